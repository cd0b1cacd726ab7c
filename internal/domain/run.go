package domain

import "time"

type RunStatus string

const (
	RunStatusProcessing   RunStatus = "processing"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusBackingUp    RunStatus = "backing_up"
	RunStatusBackedUp     RunStatus = "backed_up"
	RunStatusBackupFailed RunStatus = "backup_failed"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Run is one submission of a batch of source files and the archive it produced.
type Run struct {
	ID           string
	UserID       int64
	Kind         MediaKind
	Status       RunStatus
	BatchSize    int
	Intensity    int
	Transforms   string
	SourceCount  int
	VariantCount int
	ZipName      string
	S3Location   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	BackedUpAt   *time.Time
	Files        []RunFile
}

// RunFile is a single variant stored inside a run archive.
type RunFile struct {
	ID    int64
	RunID string
	Name  string
	Size  int64
}
