package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxRunningProgress keeps 100 reserved for completed runs.
const maxRunningProgress = 99

// Stage outcomes recorded in the stage history.
const (
	OutcomeOK        = "ok"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// ErrDuplicateStage is returned when a stage would be recorded twice in a row.
var ErrDuplicateStage = errors.New("stage recorded twice in immediate succession")

// NewState creates the pending state of a run.
func NewState(runID string, req Request, now time.Time) *State {
	projectID := req.ProjectID
	if projectID == "" {
		projectID = runID
	}
	return &State{
		RunID:        runID,
		ProjectID:    projectID,
		Request:      req,
		Status:       StatusPending,
		StageHistory: []StageRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *State) transition(to Status, now time.Time) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	switch {
	case s.Status == StatusPending && (to == StatusRunning || to == StatusCancelled || to == StatusFailed):
	case s.Status == StatusRunning && to.IsTerminal():
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// Start moves a pending run to running.
func (s *State) Start(now time.Time) error {
	return s.transition(StatusRunning, now)
}

// BeginStage marks the stage currently executing.
func (s *State) BeginStage(stage string, now time.Time) {
	s.CurrentStage = stage
	s.UpdatedAt = now
}

// CompleteStage appends to the history and advances progress by weight.
func (s *State) CompleteStage(rec StageRecord, weight int) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: stage %s completed while %s", ErrInvalidTransition, rec.Stage, s.Status)
	}
	if n := len(s.StageHistory); n > 0 && s.StageHistory[n-1].Stage == rec.Stage {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, rec.Stage)
	}
	s.StageHistory = append(s.StageHistory, rec)
	s.advance(weight)
	s.UpdatedAt = rec.CompletedAt
	return nil
}

func (s *State) advance(weight int) {
	if weight <= 0 {
		return
	}
	next := s.Progress + weight
	if next > maxRunningProgress {
		next = maxRunningProgress
	}
	if next > s.Progress {
		s.Progress = next
	}
}

// Complete finishes the run with its final document.
func (s *State) Complete(final *FinalDocument, now time.Time) error {
	if final.IsEmpty() {
		return fmt.Errorf("%w: completed without a final document", ErrInvalidTransition)
	}
	if err := s.transition(StatusCompleted, now); err != nil {
		return err
	}
	s.Final = final
	s.Progress = 100
	s.CurrentStage = ""
	return nil
}

// Fail finishes the run with an error.
func (s *State) Fail(runErr *RunError, now time.Time) error {
	if err := s.transition(StatusFailed, now); err != nil {
		return err
	}
	s.Error = runErr
	s.Final = nil
	return nil
}

// Cancel finishes the run without error, keeping the recorded history.
func (s *State) Cancel(now time.Time) error {
	if err := s.transition(StatusCancelled, now); err != nil {
		return err
	}
	s.Final = nil
	return nil
}

// LastStage returns the most recently recorded stage, or "".
func (s *State) LastStage() string {
	if len(s.StageHistory) == 0 {
		return ""
	}
	return s.StageHistory[len(s.StageHistory)-1].Stage
}

// Clone returns a copy whose slices can be read without racing the owner.
func (s *State) Clone() State {
	c := *s
	c.SubQuestions = append([]string(nil), s.SubQuestions...)
	c.Sources = append([]Source(nil), s.Sources...)
	c.Findings = append([]Finding(nil), s.Findings...)
	c.StageHistory = append([]StageRecord{}, s.StageHistory...)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return c
}

// Validate checks the cross-field invariants of a state.
func (s *State) Validate() error {
	var problems []string
	if s.Progress < 0 || s.Progress > 100 {
		problems = append(problems, fmt.Sprintf("progress %d out of range", s.Progress))
	}
	if (s.Progress == 100) != (s.Status == StatusCompleted) {
		problems = append(problems, fmt.Sprintf("progress %d with status %s", s.Progress, s.Status))
	}
	if s.Final.IsEmpty() == (s.Status == StatusCompleted) {
		problems = append(problems, "final document presence does not match status")
	}
	if s.Draft != nil && s.Outline != nil {
		problems = append(problems, "both draft and narrative outline populated")
	}
	if s.Status == StatusCompleted && s.Iteration == nil {
		if s.Branch == BranchStructured && s.Draft == nil {
			problems = append(problems, "structured run completed without draft")
		}
		if s.Branch == BranchFiction && s.Outline == nil {
			problems = append(problems, "fiction run completed without outline")
		}
	}
	if err := CheckUniqueSources(s.Sources); err != nil {
		problems = append(problems, err.Error())
	}
	if err := CheckFindings(s.Findings, s.Sources); err != nil {
		problems = append(problems, err.Error())
	}
	for i := 1; i < len(s.StageHistory); i++ {
		if s.StageHistory[i].Stage == s.StageHistory[i-1].Stage {
			problems = append(problems, fmt.Sprintf("stage %s repeated", s.StageHistory[i].Stage))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid pipeline state: %s", strings.Join(problems, "; "))
	}
	return nil
}
