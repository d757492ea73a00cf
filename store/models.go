package store

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

// Project is the top-level container for a single research effort.
type Project struct {
	ID          uint `gorm:"primarykey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Name        string
	Abstract    string
	Description string
	Status      ProjectStatus `gorm:"default:active"`
}

// Paper is the primary manuscript for a project. One per project.
type Paper struct {
	ID            uint `gorm:"primarykey"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProjectID     uint `gorm:"uniqueIndex"`
	Title         string
	Abstract      string
	ContentRaw    string
	ContentFormat string `gorm:"default:md"`
	// Revision guards concurrent read-modify-write of ContentRaw.
	// Writers compare-and-swap on it and retry on conflict.
	Revision int64
}

// Literature is stored reference material linked into papers via citations.
type Literature struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Title     string
	Authors   string
	Venue     string
	Year      *int
	DOI       string
	ArxivID   string
	URL       string
	Abstract  string
	FullText  string
}

// Citation links a paper to a literature item, ordered.
type Citation struct {
	ID           uint `gorm:"primarykey"`
	CreatedAt    time.Time
	PaperID      uint `gorm:"index"`
	LiteratureID uint `gorm:"index"`
	Order        int  `gorm:"column:sort_order"`
}

// Note is a free-form project note (literature summaries land here).
type Note struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ProjectID uint `gorm:"index"`
	Title     string
	Body      string
}

// HypothesisStatus enumerates hypothesis evaluation states.
type HypothesisStatus string

const (
	HypothesisProposed     HypothesisStatus = "proposed"
	HypothesisSupported    HypothesisStatus = "supported"
	HypothesisRejected     HypothesisStatus = "rejected"
	HypothesisInconclusive HypothesisStatus = "inconclusive"
)

// ValidHypothesisStatus reports whether s is one of the four accepted states.
func ValidHypothesisStatus(s HypothesisStatus) bool {
	switch s {
	case HypothesisProposed, HypothesisSupported, HypothesisRejected, HypothesisInconclusive:
		return true
	}
	return false
}

// Hypothesis is a testable idea explored within a project.
type Hypothesis struct {
	ID            uint `gorm:"primarykey"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProjectID     uint `gorm:"index"`
	Title         string
	Statement     string
	Status        HypothesisStatus `gorm:"default:proposed"`
	Justification string
	Confidence    *float64
	PValue        *float64
}

// ExperimentStatus enumerates sandboxed execution states.
type ExperimentStatus string

const (
	ExperimentDraft   ExperimentStatus = "draft"
	ExperimentPending ExperimentStatus = "pending"
	ExperimentRunning ExperimentStatus = "running"
	ExperimentSuccess ExperimentStatus = "success"
	ExperimentFailed  ExperimentStatus = "failed"
)

// CodeLanguage enumerates experiment languages. Only python is executable.
type CodeLanguage string

const (
	LangPython CodeLanguage = "python"
	LangR      CodeLanguage = "r"
	LangJulia  CodeLanguage = "julia"
)

// Experiment is one sandboxed code execution with its captured outcome.
type Experiment struct {
	ID           uint `gorm:"primarykey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProjectID    uint `gorm:"index"`
	HypothesisID *uint
	Name         string
	Description  string
	Code         string
	Language     CodeLanguage     `gorm:"default:python"`
	Parameters   Params           `gorm:"type:text"`
	Status       ExperimentStatus `gorm:"default:draft"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ExitCode     *int
	Stdout       string
	Stderr       string
	// ResultJSON holds the serialized value the code recorded, if any.
	ResultJSON *string
}

// JobStatus enumerates automation job states.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// TaskStatus enumerates stage task states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task status is terminal.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// AutomationJob groups the fixed set of stage tasks for one pipeline run.
// Jobs are append-only history; a new run always creates a new job.
type AutomationJob struct {
	ID         uint `gorm:"primarykey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ProjectID  uint      `gorm:"index"`
	Status     JobStatus `gorm:"default:pending"`
	Message    string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Tasks      []AutomationTask `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

// AutomationTask is one named unit of pipeline work inside a job.
type AutomationTask struct {
	ID         uint `gorm:"primarykey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	JobID      uint       `gorm:"index"`
	Name       string     // one of the fixed stage names
	Status     TaskStatus `gorm:"default:pending"`
	Progress   int
	Message    string
	Result     *string // stage-specific snapshot, serialized JSON
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Param is one experiment parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Params is an ordered set of experiment parameters with unique keys.
// It serializes to a JSON object preserving insertion order.
type Params []Param

// MarshalJSON emits an ordered JSON object.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("parameters: expected JSON object")
	}

	out := Params{}
	seen := map[string]int{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("parameters: value for %q must be a string: %w", key, err)
		}
		if idx, dup := seen[key]; dup {
			out[idx].Value = value // last write wins
			continue
		}
		seen[key] = len(out)
		out = append(out, Param{Key: key, Value: value})
	}
	*p = out
	return nil
}

// Value implements driver.Valuer so gorm stores Params as JSON text.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		if v == "" {
			*p = nil
			return nil
		}
		return p.UnmarshalJSON([]byte(v))
	case []byte:
		if len(v) == 0 {
			*p = nil
			return nil
		}
		return p.UnmarshalJSON(v)
	default:
		return fmt.Errorf("parameters: cannot scan %T", src)
	}
}

// Get returns the value for key and whether it is present.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}
