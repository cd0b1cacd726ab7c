package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
)

const createRunFilesTable = `
CREATE TABLE IF NOT EXISTS run_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_files_run_id ON run_files(run_id);
`

type RunFileRepository struct {
	db *sql.DB
}

func NewRunFileRepository(db *sql.DB) repository.RunFileRepository {
	return &RunFileRepository{db: db}
}

func (r *RunFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createRunFilesTable); err != nil {
		return fmt.Errorf("create run_files table: %w", err)
	}
	return nil
}

func (r *RunFileRepository) ReplaceForRun(ctx context.Context, runID string, files []domain.RunFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_files WHERE run_id=?`, runID); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}

	for _, file := range files {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_files (run_id, name, size)
VALUES (?, ?, ?)`,
			runID,
			file.Name,
			file.Size,
		); err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *RunFileRepository) ListByRun(ctx context.Context, runID string) ([]domain.RunFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, run_id, name, size
FROM run_files
WHERE run_id=?
ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run files: %w", err)
	}
	defer rows.Close()

	var files []domain.RunFile
	for rows.Next() {
		var file domain.RunFile
		if err := rows.Scan(&file.ID, &file.RunID, &file.Name, &file.Size); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}

	return files, rows.Err()
}
