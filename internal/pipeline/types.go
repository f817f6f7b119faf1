package pipeline

import (
	"time"
)

// DocumentType is the kind of document a request asks for.
type DocumentType string

const (
	DocReport       DocumentType = "report"
	DocAnalysis     DocumentType = "analysis"
	DocResearch     DocumentType = "research"
	DocDailyBrief   DocumentType = "daily_brief"
	DocPresentation DocumentType = "presentation"
	DocFiction      DocumentType = "fiction"
)

// Branch is the top-level pipeline path selected by the classifier.
type Branch string

const (
	BranchStructured Branch = "structured"
	BranchFiction    Branch = "fiction"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Depth controls how many sub-questions the decomposer produces.
type Depth string

const (
	DepthOverview      Depth = "overview"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

// Options are the recognized generation knobs of a request.
type Options struct {
	Depth           Depth  `json:"depth,omitempty"`
	Tone            string `json:"tone,omitempty"`
	Style           string `json:"style,omitempty"`
	Language        string `json:"language,omitempty"`
	SlideCount      int    `json:"slide_count,omitempty"`
	ChapterCount    int    `json:"chapter_count,omitempty"`
	Genre           string `json:"genre,omitempty"`
	GenerateImages  bool   `json:"generate_images,omitempty"`
	SpeakerNotes    bool   `json:"speaker_notes,omitempty"`
	FictionResearch bool   `json:"fiction_research,omitempty"`
}

// Request is the immutable input of a generation run.
type Request struct {
	RawQuery     string       `json:"raw_query"`
	DocumentType DocumentType `json:"document_type"`
	Options      Options      `json:"options"`
	SeedContext  string       `json:"seed_context,omitempty"`
	ProjectID    string       `json:"project_id,omitempty"`
}

// Source is a fetched document that survived retrieval.
type Source struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Text        string    `json:"raw_text"`
	Snippet     string    `json:"snippet,omitempty"`
	Domain      string    `json:"domain"`
	SubQuestion int       `json:"sub_question"`
	FetchedAt   time.Time `json:"fetched_at"`
	Relevance   float64   `json:"relevance_score"`
	Credibility float64   `json:"credibility"`
}

// Finding is a claim extracted from one or more sources.
type Finding struct {
	ID                  string   `json:"id"`
	Claim               string   `json:"claim"`
	SubQuestion         int      `json:"sub_question"`
	SupportingSourceIDs []string `json:"supporting_source_ids"`
	Confidence          float64  `json:"confidence"`
	Statistics          []string `json:"statistics,omitempty"`
}

// SectionRole places a draft section inside a document template.
type SectionRole string

const (
	RoleIntro        SectionRole = "intro"
	RoleBody         SectionRole = "body"
	RoleConclusion   SectionRole = "conclusion"
	RoleContext      SectionRole = "context"
	RoleData         SectionRole = "data"
	RoleImplications SectionRole = "implications"
	RoleHeadlines    SectionRole = "headlines"
)

// DraftSection is one heading of the structured draft.
type DraftSection struct {
	Heading    string      `json:"heading"`
	Role       SectionRole `json:"role"`
	Body       string      `json:"body"`
	Points     []string    `json:"points,omitempty"`
	FindingIDs []string    `json:"finding_ids"`
	Citations  []string    `json:"citations"`
	Sparse     bool        `json:"sparse"`
}

// Draft is the structured intermediate representation of the structured branch.
type Draft struct {
	Title    string         `json:"title"`
	Sections []DraftSection `json:"sections"`
}

// Character is one entry of a fiction character sheet.
type Character struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Description string   `json:"description"`
	Traits      []string `json:"traits,omitempty"`
	FromSeed    bool     `json:"from_seed,omitempty"`
}

// Setting describes where and when a story takes place.
type Setting struct {
	Place      string `json:"place"`
	Era        string `json:"era"`
	Atmosphere string `json:"atmosphere"`
}

// FictionElements is the narrative scaffolding produced before outlining.
type FictionElements struct {
	Title      string      `json:"title"`
	Premise    string      `json:"premise"`
	Characters []Character `json:"characters"`
	Setting    Setting     `json:"setting"`
	Themes     []string    `json:"themes,omitempty"`
}

// ChapterSummary is one planned chapter.
type ChapterSummary struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// NarrativeOutline is the fiction-branch counterpart of Draft.
type NarrativeOutline struct {
	Elements FictionElements  `json:"elements"`
	Chapters []ChapterSummary `json:"chapter_summaries"`
	Research []string         `json:"research,omitempty"`
}

// DocumentKind is the shape of a final document tree.
type DocumentKind string

const (
	KindSections DocumentKind = "sections"
	KindSlides   DocumentKind = "slides"
	KindChapters DocumentKind = "chapters"
)

// Section is a rendered prose section.
type Section struct {
	Heading   string      `json:"heading"`
	Role      SectionRole `json:"role"`
	Body      string      `json:"body"`
	Bullets   []string    `json:"bullets,omitempty"`
	Citations []string    `json:"citations"`
	Caveat    bool        `json:"caveat"`
}

// SlideType mirrors the page types of a deck.
type SlideType string

const (
	SlideTitle      SlideType = "title"
	SlideSection    SlideType = "section"
	SlideContent    SlideType = "content"
	SlideConclusion SlideType = "conclusion"
)

// Slide is one page of a deck.
type Slide struct {
	Number    int       `json:"slide_number"`
	Type      SlideType `json:"page_type"`
	Title     string    `json:"title"`
	Bullets   []string  `json:"bullets"`
	Notes     string    `json:"notes,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	HasChart  bool      `json:"has_chart,omitempty"`
	Prev      int       `json:"prev,omitempty"`
	Next      int       `json:"next,omitempty"`
	Caveat    bool      `json:"caveat,omitempty"`
}

// Chapter is one written chapter.
type Chapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Body    string `json:"body"`
}

// SourceRef is a bibliography entry; Index is the [n] marker used in text.
type SourceRef struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// DesignSpec is the visual theme attached to a deck.
type DesignSpec struct {
	Style          string   `json:"style"`
	Primary        string   `json:"primary_color"`
	Secondary      string   `json:"secondary_color"`
	Accent         string   `json:"accent_color"`
	Background     string   `json:"background_color"`
	Text           string   `json:"text_color"`
	TitleFont      string   `json:"title_font"`
	BodyFont       string   `json:"body_font"`
	LayoutStyle    string   `json:"layout_style"`
	AnimationStyle string   `json:"animation_style"`
	ChartColors    []string `json:"chart_colors"`
}

// FinalDocument is the format-agnostic finished output tree.
type FinalDocument struct {
	ID           string           `json:"id"`
	Kind         DocumentKind     `json:"kind"`
	DocumentType DocumentType     `json:"document_type"`
	Title        string           `json:"title"`
	Query        string           `json:"query"`
	Sections     []Section        `json:"sections,omitempty"`
	Slides       []Slide          `json:"slides,omitempty"`
	Chapters     []Chapter        `json:"chapters,omitempty"`
	Bibliography []SourceRef      `json:"bibliography,omitempty"`
	Elements     *FictionElements `json:"elements,omitempty"`
	Design       *DesignSpec      `json:"design,omitempty"`
	Options      Options          `json:"options"`
	Version      int              `json:"version"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// IsEmpty reports whether the document has no content nodes.
func (d *FinalDocument) IsEmpty() bool {
	if d == nil {
		return true
	}
	return len(d.Sections) == 0 && len(d.Slides) == 0 && len(d.Chapters) == 0
}

// CitationIndex maps source IDs to their bibliography marker.
func (d *FinalDocument) CitationIndex() map[string]int {
	idx := make(map[string]int, len(d.Bibliography))
	for _, ref := range d.Bibliography {
		idx[ref.ID] = ref.Index
	}
	return idx
}

// StageRecord is one entry of the stage history.
type StageRecord struct {
	Stage       string    `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Attempts    int       `json:"attempts"`
	Outcome     string    `json:"outcome"`
}

// RunError is the structured error attached to a failed run.
type RunError struct {
	Kind        ErrorKind `json:"kind"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message"`
	UserMessage string    `json:"user_message"`
}

// State is the single mutable context threaded through every stage of a run.
type State struct {
	RunID        string            `json:"run_id"`
	ProjectID    string            `json:"project_id"`
	Request      Request           `json:"request"`
	Branch       Branch            `json:"branch,omitempty"`
	Iteration    *IterationInfo    `json:"iteration,omitempty"`
	SubQuestions []string          `json:"sub_questions,omitempty"`
	Sources      []Source          `json:"retrieved_sources,omitempty"`
	Findings     []Finding         `json:"analyzed_findings,omitempty"`
	Draft        *Draft            `json:"draft,omitempty"`
	Outline      *NarrativeOutline `json:"narrative_outline,omitempty"`
	Final        *FinalDocument    `json:"final_document,omitempty"`
	Progress     int               `json:"progress"`
	Status       Status            `json:"status"`
	CurrentStage string            `json:"current_stage,omitempty"`
	Error        *RunError         `json:"error,omitempty"`
	StageHistory []StageRecord     `json:"stage_history"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// IterationInfo describes the edit an iteration run applies.
type IterationInfo struct {
	Instruction string  `json:"instruction"`
	BaseVersion int     `json:"base_version"`
	Region      *Region `json:"region,omitempty"`
}
