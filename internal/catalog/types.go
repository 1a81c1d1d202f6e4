package catalog

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle of one persisted run.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusStopped   ExecutionStatus = "stopped"
)

// Terminal reports whether the status is a sink state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// QCStatus is the per-image outcome vocabulary.
type QCStatus string

const (
	QCPending      QCStatus = "pending"
	QCApproved     QCStatus = "approved"
	QCFailed       QCStatus = "qc_failed"
	QCRetryPending QCStatus = "retry_pending"
	QCRetryFailed  QCStatus = "retry_failed"
)

// Configuration is a user-saved preset. Settings is the opaque document;
// the catalog never interprets it.
type Configuration struct {
	ID        int64
	Name      string
	Settings  string // JSON document
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution is a single job run.
type Execution struct {
	ID               int64
	ConfigurationID  *int64 // nil once the source configuration is deleted
	StartedAt        time.Time
	CompletedAt      *time.Time
	Status           ExecutionStatus
	Total            int
	Successful       int
	Failed           int
	Label            string
	ErrorMessage     string
	SettingsSnapshot string // JSON document, secrets redacted
}

// ImageMetadata is the AI-generated title/description/tags blob.
type ImageMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// GeneratedImage is one candidate image outcome. Metadata and
// ProcessingSettings are stored as JSON columns; nil Metadata means none
// was generated.
type GeneratedImage struct {
	ID                 int64
	ExecutionID        *int64
	MappingID          int64
	Prompt             string
	Seed               int64
	QCStatus           QCStatus
	QCReason           string
	FinalPath          string // empty until success
	Metadata           *ImageMetadata
	ProcessingSettings string // JSON snapshot of per-image flags applied
	ContentHash        string // blake3 hex of the final artifact
	CreatedAt          time.Time
}

func (m *ImageMetadata) marshal() (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(doc string) (*ImageMetadata, error) {
	if doc == "" {
		return nil, nil
	}
	var m ImageMetadata
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ExecutionFilter narrows listExecutions/countExecutions. Zero values
// mean "no constraint"; time bounds are inclusive.
type ExecutionFilter struct {
	Status        ExecutionStatus
	LabelContains string
	StartedAfter  *time.Time
	StartedBefore *time.Time
	MinTotal      *int
	MaxTotal      *int
}

// ImageFilter narrows listImages.
type ImageFilter struct {
	ExecutionID *int64
	QCStatus    QCStatus
}

// ImageUpdate carries the outcome fields a retry may overwrite. Nil
// pointers leave the column untouched.
type ImageUpdate struct {
	QCStatus           *QCStatus
	QCReason           *string
	FinalPath          *string
	Metadata           *ImageMetadata
	ClearMetadata      bool
	ProcessingSettings *string
	ContentHash        *string
}

// ExecutionUpdate mirrors ImageUpdate for execution rows.
type ExecutionUpdate struct {
	Status       *ExecutionStatus
	CompletedAt  *time.Time
	Total        *int
	Successful   *int
	Failed       *int
	Label        *string
	ErrorMessage *string
}
