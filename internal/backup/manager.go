// Package backup copies finished run archives to object storage in the
// background.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
	"variant-studio/internal/storage"
	"variant-studio/internal/workspace"
)

// ErrNotStarted is returned when work is queued before Start.
var ErrNotStarted = errors.New("backup manager not started")

// Manager coordinates archive uploads and their status lifecycle.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, runID string) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, runID string) error
	Enabled() bool
}

type Config struct {
	MaxConcurrent int
	Bucket        string
	KeyPrefix     string
	Logger        *logrus.Logger
}

type manager struct {
	cfg     Config
	runs    repository.RunRepository
	ws      *workspace.Workspace
	storage storage.Service

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager. A nil store disables backups entirely.
func NewManager(cfg Config, runs repository.RunRepository, ws *workspace.Workspace, store storage.Service) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:     cfg,
		runs:    runs,
		ws:      ws,
		storage: store,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		active:  make(map[string]*runHandle),
	}
}

func (m *manager) Enabled() bool {
	return m.storage != nil && m.cfg.Bucket != ""
}

func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	if !m.Enabled() {
		m.cfg.Logger.Info("backup manager disabled, no storage configured")
		return nil
	}
	m.cfg.Logger.Infof("backup manager started, bucket: %s", m.cfg.Bucket)
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("backup manager stopped")
}

func (m *manager) Enqueue(ctx context.Context, runID string) error {
	if !m.Enabled() {
		return nil
	}
	if m.ctx == nil {
		return ErrNotStarted
	}
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	m.spawnRun(*run)
	return nil
}

func (m *manager) Resume(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	if m.ctx == nil {
		return ErrNotStarted
	}
	runs, err := m.runs.ListByStatuses(ctx,
		domain.RunStatusCompleted,
		domain.RunStatusBackingUp,
	)
	if err != nil {
		return err
	}

	for i := range runs {
		m.spawnRun(runs[i])
	}
	if len(runs) > 0 {
		m.cfg.Logger.Infof("resumed %d pending backups", len(runs))
	}
	return nil
}

func (m *manager) spawnRun(run domain.Run) {
	runCtx, cancel := context.WithCancel(m.ctx)
	handle := &runHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if !m.registerRun(run.ID, handle) {
		cancel()
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.unregisterRun(run.ID)
			close(handle.done)
		}()
		select {
		case <-runCtx.Done():
			return
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
			m.handleRun(runCtx, &run)
		}
	}()
}

// registerRun reports false when the run is already being handled.
func (m *manager) registerRun(id string, handle *runHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[id]; busy {
		return false
	}
	m.active[id] = handle
	return true
}

func (m *manager) unregisterRun(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	handle, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) handleRun(ctx context.Context, run *domain.Run) {
	logger := m.cfg.Logger.WithField("run_id", run.ID)
	switch run.Status {
	case domain.RunStatusBackedUp:
		logger.Debug("run already backed up, skipping")
		return
	case domain.RunStatusBackingUp:
		logger.Info("run mid-upload, restarting backup")
	}

	if run.ZipName == "" {
		m.failRun(run.ID, fmt.Errorf("run has no archive"))
		return
	}

	if err := m.runs.UpdateStatus(ctx, run.ID, domain.RunStatusBackingUp, nil); err != nil {
		logger.Errorf("set backing up status: %v", err)
		return
	}

	localPath, err := m.ws.ZipPath(run.UserID, run.ZipName)
	if err != nil {
		m.failRun(run.ID, err)
		return
	}
	if _, err := os.Stat(localPath); err != nil {
		m.failRun(run.ID, fmt.Errorf("archive missing: %w", err))
		return
	}

	opts := storage.UploadOptions{
		Bucket:      m.cfg.Bucket,
		Key:         ObjectKey(m.cfg.KeyPrefix, run.UserID, run.ZipName),
		ContentType: "application/zip",
	}
	progressLogger := newUploadProgressLogger(logger)
	opts.ProgressCallback = func(done, total int64) {
		progressLogger(done, total)
	}

	logger.Infof("backup started from %s", localPath)

	dest, err := m.storage.UploadFile(ctx, localPath, opts)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("backup cancelled")
			return
		}
		m.failRun(run.ID, fmt.Errorf("upload: %w", err))
		return
	}

	if err := m.runs.MarkBackedUp(ctx, run.ID, dest, time.Now()); err != nil {
		logger.Errorf("mark backed up: %v", err)
		return
	}

	logger.Infof("run archive backed up to %s", dest)
}

// failRun records a backup failure. It uses a fresh context so the status
// survives a cancelled run context.
func (m *manager) failRun(runID string, failErr error) {
	msg := failErr.Error()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.runs.UpdateStatus(ctx, runID, domain.RunStatusBackupFailed, &msg); err != nil {
		m.cfg.Logger.WithField("run_id", runID).Errorf("persist failure status: %v", err)
	}
	m.cfg.Logger.WithField("run_id", runID).Error(msg)
}

// ObjectKey is the remote key of a user's archive.
func ObjectKey(prefix string, userID int64, zipName string) string {
	userPrefix := fmt.Sprintf("user-%d", userID)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return userPrefix + "/" + zipName
	}
	return fmt.Sprintf("%s/%s/%s", prefix, userPrefix, zipName)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("backup progress: %s uploaded", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("backup progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

var _ Manager = (*manager)(nil)
