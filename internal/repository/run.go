package repository

import (
	"context"
	"time"

	"variant-studio/internal/domain"
)

// RunRepository exposes persistence operations for processing runs.
type RunRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, id string) (*domain.Run, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Run, error)
	ListByStatuses(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error)
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus, errorMessage *string) error
	MarkCompleted(ctx context.Context, id, zipName string, variantCount int) error
	MarkBackedUp(ctx context.Context, id, s3Location string, backedUpAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// RunFileRepository manages archive entry metadata.
type RunFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForRun(ctx context.Context, runID string, files []domain.RunFile) error
	ListByRun(ctx context.Context, runID string) ([]domain.RunFile, error)
}
