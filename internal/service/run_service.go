package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"variant-studio/internal/backup"
	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
	"variant-studio/internal/storage"
	"variant-studio/internal/variant"
	"variant-studio/internal/workspace"
)

var (
	// ErrInsufficientTokens is returned when a run costs more than the balance.
	ErrInsufficientTokens = repository.ErrInsufficientTokens
	// ErrNoFiles is returned when a processing request carries no uploads.
	ErrNoFiles = errors.New("no files uploaded")
	// ErrUnsupportedMedia is returned for uploads of the wrong kind.
	ErrUnsupportedMedia = variant.ErrUnsupportedMedia
	// ErrInvalidBatchSize is returned for batch sizes outside the allowed range.
	ErrInvalidBatchSize = variant.ErrInvalidBatchSize
	// ErrRunNotFound is returned for runs or archives the caller does not own.
	ErrRunNotFound = errors.New("run not found")
	// ErrStorageDisabled is returned for remote operations without object storage.
	ErrStorageDisabled = errors.New("storage service not configured")
)

// Upload is one submitted source file. Open may be called more than once.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// VideoRenderer renders video variants of a file on disk.
type VideoRenderer interface {
	GenerateVideos(ctx context.Context, srcPath, name, outDir string, opts variant.Options, s *variant.Sampler) ([]variant.Output, error)
}

// RunService coordinates variant generation, archiving and run bookkeeping.
type RunService interface {
	ProcessImages(ctx context.Context, userID int64, uploads []Upload, opts variant.Options) (*domain.Run, error)
	ProcessVideos(ctx context.Context, userID int64, uploads []Upload, opts variant.Options) (*domain.Run, error)
	GetRun(ctx context.Context, userID int64, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, userID int64) ([]domain.Run, error)
	ArchivePath(ctx context.Context, userID int64, zipName string) (string, error)
	DeleteRun(ctx context.Context, userID int64, runID string, deleteRemote bool) ([]string, error)
	BackupURL(ctx context.Context, userID int64, runID string) (string, error)
	ListRemoteObjects(ctx context.Context, userID int64) ([]storage.ObjectInfo, error)
}

type RunConfig struct {
	MaxBatchSize int
	TokenCost    int
	Bucket       string
	KeyPrefix    string
	URLExpiry    time.Duration
	Logger       *logrus.Logger
}

// RunDeps groups the collaborators of the run service. Backups and Storage
// may be nil.
type RunDeps struct {
	Runs      repository.RunRepository
	Files     repository.RunFileRepository
	Users     repository.UserRepository
	Workspace *workspace.Workspace
	History   *workspace.History
	Videos    VideoRenderer
	Backups   backup.Manager
	Storage   storage.Service
}

type runService struct {
	cfg RunConfig
	RunDeps
}

func NewRunService(cfg RunConfig, deps RunDeps) RunService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 15 * time.Minute
	}
	return &runService{cfg: cfg, RunDeps: deps}
}

func (s *runService) ProcessImages(ctx context.Context, userID int64, uploads []Upload, opts variant.Options) (*domain.Run, error) {
	return s.process(ctx, userID, domain.MediaImage, uploads, opts)
}

func (s *runService) ProcessVideos(ctx context.Context, userID int64, uploads []Upload, opts variant.Options) (*domain.Run, error) {
	return s.process(ctx, userID, domain.MediaVideo, uploads, opts)
}

func (s *runService) process(ctx context.Context, userID int64, kind domain.MediaKind, uploads []Upload, opts variant.Options) (*domain.Run, error) {
	if len(uploads) == 0 {
		return nil, ErrNoFiles
	}
	opts, err := opts.Normalize(s.cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}

	for _, upload := range uploads {
		if err := detect(upload, kind); err != nil {
			return nil, fmt.Errorf("%s: %w", upload.Name, err)
		}
	}

	cost := s.cfg.TokenCost * len(uploads) * opts.BatchSize
	if cost > 0 {
		if err := s.Users.SpendTokens(ctx, userID, cost); err != nil {
			return nil, err
		}
	}

	run := &domain.Run{
		ID:          ulid.Make().String(),
		UserID:      userID,
		Kind:        kind,
		Status:      domain.RunStatusProcessing,
		BatchSize:   opts.BatchSize,
		Intensity:   opts.Intensity,
		Transforms:  opts.Transforms.String(),
		SourceCount: len(uploads),
	}
	if err := s.Runs.Create(ctx, run); err != nil {
		s.refund(userID, cost)
		return nil, err
	}

	logger := s.cfg.Logger.WithField("run_id", run.ID).WithField("user_id", userID)
	logger.Infof("processing %d %s file(s), batch %d, intensity %d", len(uploads), kind, opts.BatchSize, opts.Intensity)

	outputs, err := s.render(ctx, run, uploads, opts)
	if err == nil {
		err = s.finish(ctx, run, outputs)
	}
	if rmErr := s.Workspace.RemoveRunDir(run.ID); rmErr != nil {
		logger.Warnf("remove run dir: %v", rmErr)
	}
	if err != nil {
		s.discard(run, outputs)
		s.failRun(run.ID, userID, cost, err)
		return nil, err
	}

	if s.Backups != nil {
		if err := s.Backups.Enqueue(ctx, run.ID); err != nil {
			logger.Warnf("enqueue backup: %v", err)
		}
	}
	logger.Infof("run completed with %d variants in %s", len(outputs), run.ZipName)

	return s.GetRun(ctx, userID, run.ID)
}

func (s *runService) render(ctx context.Context, run *domain.Run, uploads []Upload, opts variant.Options) ([]variant.Output, error) {
	outDir, err := s.Workspace.NewRunDir(run.ID)
	if err != nil {
		return nil, err
	}

	sampler := variant.NewSampler(opts.Intensity, opts.Seed)
	used := make(map[string]bool, len(uploads))
	var outputs []variant.Output
	for i, upload := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := uniqueName(upload.Name, used)

		var produced []variant.Output
		switch run.Kind {
		case domain.MediaImage:
			produced, err = renderImage(upload, name, outDir, opts, sampler)
		case domain.MediaVideo:
			produced, err = s.renderVideo(ctx, run.ID, i, upload, name, outDir, opts, sampler)
		default:
			err = fmt.Errorf("unknown media kind %q", run.Kind)
		}
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, produced...)
	}
	return outputs, nil
}

func detect(upload Upload, kind domain.MediaKind) error {
	rc, err := upload.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()
	_, err = variant.DetectMedia(rc, kind)
	return err
}

func renderImage(upload Upload, name, outDir string, opts variant.Options, sampler *variant.Sampler) ([]variant.Output, error) {
	rc, err := upload.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer rc.Close()

	outputs, err := variant.GenerateImages(rc, name, outDir, opts, sampler)
	if err != nil && errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	return outputs, err
}

func (s *runService) renderVideo(ctx context.Context, runID string, index int, upload Upload, name, outDir string, opts variant.Options, sampler *variant.Sampler) ([]variant.Output, error) {
	if s.Videos == nil {
		return nil, errors.New("video processing is not configured")
	}
	rc, err := upload.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	srcPath, err := s.Workspace.SaveUpload(runID, index, upload.Name, rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	defer os.Remove(srcPath)

	return s.Videos.GenerateVideos(ctx, srcPath, name, outDir, opts, sampler)
}

func (s *runService) finish(ctx context.Context, run *domain.Run, outputs []variant.Output) error {
	zipName := archiveName(run.Kind, run.ID)
	zipPath, err := s.Workspace.ZipPath(run.UserID, zipName)
	if err != nil {
		return err
	}
	if _, err := s.Workspace.ZipDir(run.UserID); err != nil {
		return err
	}
	outDir, err := s.Workspace.NewRunDir(run.ID)
	if err != nil {
		return err
	}
	if _, err := workspace.ArchiveDir(outDir, zipPath); err != nil {
		return err
	}
	for _, out := range outputs {
		if err := s.History.Add(run.UserID, out.Name, out.Path); err != nil {
			return err
		}
	}

	files := make([]domain.RunFile, len(outputs))
	for i, out := range outputs {
		files[i] = domain.RunFile{RunID: run.ID, Name: out.Name, Size: out.Size}
	}
	if err := s.Files.ReplaceForRun(ctx, run.ID, files); err != nil {
		return err
	}
	if err := s.Runs.MarkCompleted(ctx, run.ID, zipName, len(outputs)); err != nil {
		return err
	}
	run.ZipName = zipName
	run.VariantCount = len(outputs)
	run.Status = domain.RunStatusCompleted
	return nil
}

// discard removes whatever a failed run already published to the user's
// archive and history directories.
func (s *runService) discard(run *domain.Run, outputs []variant.Output) {
	logger := s.cfg.Logger.WithField("run_id", run.ID)
	if zipPath, err := s.Workspace.ZipPath(run.UserID, archiveName(run.Kind, run.ID)); err == nil {
		if err := os.Remove(zipPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warnf("remove archive: %v", err)
		}
	}
	if len(outputs) == 0 {
		return
	}
	names := make([]string, len(outputs))
	for i, out := range outputs {
		names[i] = out.Name
	}
	if _, err := s.History.Delete(run.UserID, names...); err != nil {
		logger.Warnf("remove history copies: %v", err)
	}
}

// failRun refunds the debit and records the failure. It uses a fresh context
// so a cancelled request still leaves the run in a terminal state.
func (s *runService) failRun(runID string, userID int64, cost int, failErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := s.cfg.Logger.WithField("run_id", runID)

	msg := failErr.Error()
	if err := s.Runs.UpdateStatus(ctx, runID, domain.RunStatusFailed, &msg); err != nil {
		logger.Errorf("persist failure status: %v", err)
	}
	s.refund(userID, cost)
	logger.Errorf("run failed: %s", msg)
}

func (s *runService) refund(userID int64, cost int) {
	if cost <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Users.AddTokens(ctx, userID, cost); err != nil {
		s.cfg.Logger.WithField("user_id", userID).Errorf("refund %d tokens: %v", cost, err)
	}
}

func (s *runService) GetRun(ctx context.Context, userID int64, runID string) (*domain.Run, error) {
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	if run.UserID != userID {
		return nil, ErrRunNotFound
	}
	files, err := s.Files.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Files = files
	return run, nil
}

func (s *runService) ListRuns(ctx context.Context, userID int64) ([]domain.Run, error) {
	return s.Runs.ListByUser(ctx, userID)
}

func (s *runService) ArchivePath(ctx context.Context, userID int64, zipName string) (string, error) {
	path, err := s.Workspace.ZipPath(userID, zipName)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrRunNotFound
		}
		return "", fmt.Errorf("stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrRunNotFound
	}
	return path, nil
}

func (s *runService) DeleteRun(ctx context.Context, userID int64, runID string, deleteRemote bool) ([]string, error) {
	run, err := s.GetRun(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	if deleteRemote && !s.storageEnabled() {
		return nil, ErrStorageDisabled
	}

	var warnings []string
	if s.Backups != nil {
		cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.Backups.Cancel(cancelCtx, run.ID); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			warnings = append(warnings, fmt.Sprintf("cancel backup: %v", err))
		}
	}

	if deleteRemote && run.S3Location != "" {
		bucket, key, err := storage.ParseLocation(run.S3Location)
		if err != nil {
			warnings = append(warnings, err.Error())
		} else {
			remoteCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := s.Storage.DeleteObject(remoteCtx, bucket, key); err != nil {
				warnings = append(warnings, fmt.Sprintf("delete remote archive: %v", err))
			}
		}
	}

	if run.ZipName != "" {
		if path, err := s.Workspace.ZipPath(userID, run.ZipName); err == nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				warnings = append(warnings, fmt.Sprintf("remove archive: %v", err))
			}
		}
	}

	if err := s.Runs.Delete(ctx, run.ID); err != nil {
		return warnings, err
	}
	return warnings, nil
}

func (s *runService) BackupURL(ctx context.Context, userID int64, runID string) (string, error) {
	if !s.storageEnabled() {
		return "", ErrStorageDisabled
	}
	run, err := s.GetRun(ctx, userID, runID)
	if err != nil {
		return "", err
	}
	if run.S3Location == "" {
		return "", ErrRunNotFound
	}
	bucket, key, err := storage.ParseLocation(run.S3Location)
	if err != nil {
		return "", err
	}
	return s.Storage.GetObjectURL(ctx, bucket, key, s.cfg.URLExpiry)
}

func (s *runService) ListRemoteObjects(ctx context.Context, userID int64) ([]storage.ObjectInfo, error) {
	if !s.storageEnabled() {
		return nil, ErrStorageDisabled
	}
	prefix := strings.TrimSuffix(backup.ObjectKey(s.cfg.KeyPrefix, userID, ""), "/") + "/"
	return s.Storage.ListObjects(ctx, s.cfg.Bucket, prefix)
}

func (s *runService) storageEnabled() bool {
	return s.Storage != nil && s.cfg.Bucket != ""
}

func archiveName(kind domain.MediaKind, runID string) string {
	return fmt.Sprintf("%ss_%s.zip", kind, runID)
}

// uniqueName keeps variant names of same-stem uploads in one run apart by
// suffixing repeats with _2, _3 and so on.
func uniqueName(name string, used map[string]bool) string {
	stem := variant.Stem(name)
	candidate := stem
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d", stem, n)
	}
	used[candidate] = true
	return candidate + filepath.Ext(name)
}
