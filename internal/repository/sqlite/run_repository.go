package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	batch_size INTEGER NOT NULL,
	intensity INTEGER NOT NULL,
	transforms TEXT NOT NULL DEFAULT '',
	source_count INTEGER NOT NULL DEFAULT 0,
	variant_count INTEGER NOT NULL DEFAULT 0,
	zip_name TEXT NOT NULL DEFAULT '',
	s3_location TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	backed_up_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_user_id ON runs(user_id);
`

const selectRunColumns = `
SELECT id, user_id, kind, status, batch_size, intensity, transforms, source_count, variant_count, zip_name, s3_location, error_message, created_at, updated_at, backed_up_at
FROM runs`

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) repository.RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRunsTable); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

func (r *RunRepository) Create(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (id, user_id, kind, status, batch_size, intensity, transforms, source_count, variant_count, zip_name, s3_location, error_message, created_at, updated_at, backed_up_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.UserID,
		string(run.Kind),
		string(run.Status),
		run.BatchSize,
		run.Intensity,
		run.Transforms,
		run.SourceCount,
		run.VariantCount,
		run.ZipName,
		run.S3Location,
		run.ErrorMessage,
		run.CreatedAt,
		run.UpdatedAt,
		nullTime(run.BackedUpAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, id string) (*domain.Run, error) {
	return scanRun(r.db.QueryRowContext(ctx, selectRunColumns+` WHERE id=?`, id))
}

func (r *RunRepository) ListByUser(ctx context.Context, userID int64) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, selectRunColumns+`
WHERE user_id=?
ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return collectRuns(rows)
}

func (r *RunRepository) ListByStatuses(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error) {
	if len(statuses) == 0 {
		return []domain.Run{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`%s
WHERE status IN (%s)
ORDER BY id ASC`, selectRunColumns, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs by status: %w", err)
	}
	return collectRuns(rows)
}

func (r *RunRepository) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	return r.exec(ctx, "update run status", `
UPDATE runs
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status), msg, time.Now().UTC(), id)
}

func (r *RunRepository) MarkCompleted(ctx context.Context, id, zipName string, variantCount int) error {
	return r.exec(ctx, "mark run completed", `
UPDATE runs
SET status=?, zip_name=?, variant_count=?, error_message='', updated_at=?
WHERE id=?`,
		string(domain.RunStatusCompleted), zipName, variantCount, time.Now().UTC(), id)
}

func (r *RunRepository) MarkBackedUp(ctx context.Context, id, s3Location string, backedUpAt time.Time) error {
	return r.exec(ctx, "mark run backed up", `
UPDATE runs
SET status=?, s3_location=?, backed_up_at=?, error_message='', updated_at=?
WHERE id=?`,
		string(domain.RunStatusBackedUp), s3Location, backedUpAt.UTC(), time.Now().UTC(), id)
}

func (r *RunRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_files WHERE run_id=?`, id); err != nil {
		return fmt.Errorf("delete run files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("run %w", repository.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run delete: %w", err)
	}
	return nil
}

func (r *RunRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return fmt.Errorf("%s: run %w", op, repository.ErrNotFound)
	}
	return nil
}

func collectRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*domain.Run, error) {
	var (
		run        domain.Run
		kind       string
		status     string
		backedUpAt sql.NullTime
	)

	if err := scanner.Scan(
		&run.ID,
		&run.UserID,
		&kind,
		&status,
		&run.BatchSize,
		&run.Intensity,
		&run.Transforms,
		&run.SourceCount,
		&run.VariantCount,
		&run.ZipName,
		&run.S3Location,
		&run.ErrorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
		&backedUpAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %w", repository.ErrNotFound)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Kind = domain.MediaKind(kind)
	run.Status = domain.RunStatus(status)
	run.CreatedAt = run.CreatedAt.Local()
	run.UpdatedAt = run.UpdatedAt.Local()
	if backedUpAt.Valid {
		t := backedUpAt.Time.Local()
		run.BackedUpAt = &t
	}
	return &run, nil
}
