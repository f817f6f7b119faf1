// Package store persists finished documents per project.
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abby263/docugen/internal/pipeline"
)

// ErrNotFound is returned when a project has no stored document.
var ErrNotFound = errors.New("store: not found")

// Metadata is a free-form JSON column.
type Metadata map[string]interface{}

// Value implements the driver.Valuer interface
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (m *Metadata) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// DocumentColumn stores a FinalDocument as JSON.
type DocumentColumn struct {
	*pipeline.FinalDocument
}

// Value implements the driver.Valuer interface
func (d DocumentColumn) Value() (driver.Value, error) {
	if d.FinalDocument == nil {
		return nil, nil
	}
	b, err := json.Marshal(d.FinalDocument)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (d *DocumentColumn) Scan(value interface{}) error {
	if value == nil {
		d.FinalDocument = nil
		return nil
	}
	var doc pipeline.FinalDocument
	if err := scanJSON(value, &doc); err != nil {
		return err
	}
	d.FinalDocument = &doc
	return nil
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", value)
	}
}

// Result is one persisted run outcome.
type Result struct {
	RunID     string         `db:"run_id" json:"run_id"`
	ProjectID string         `db:"project_id" json:"project_id"`
	Version   int            `db:"version" json:"version"`
	Status    string         `db:"status" json:"status"`
	Document  DocumentColumn `db:"document" json:"document"`
	Metadata  Metadata       `db:"metadata" json:"metadata"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// ResultStore is the storage sink of the pipeline.
type ResultStore interface {
	// PersistResult stores a terminal run and returns the project version it
	// was assigned. Persisting the same run twice keeps its first version.
	PersistResult(ctx context.Context, r Result) (int, error)
	// LatestForProject returns the newest completed document of a project.
	LatestForProject(ctx context.Context, projectID string) (Result, error)
	// History lists every stored run of a project, oldest first.
	History(ctx context.Context, projectID string) ([]Result, error)
	Close() error
}

func validate(r Result) error {
	if strings.TrimSpace(r.RunID) == "" || strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("run_id and project_id are required")
	}
	if r.Status == string(pipeline.StatusCompleted) && r.Document.FinalDocument.IsEmpty() {
		return fmt.Errorf("completed run %s has an empty document", r.RunID)
	}
	return nil
}
