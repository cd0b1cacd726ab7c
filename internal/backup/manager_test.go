package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
	"variant-studio/internal/repository/sqlite"
	"variant-studio/internal/storage"
	"variant-studio/internal/workspace"
)

type fakeStorage struct {
	mu      sync.Mutex
	uploads map[string][]byte
	fail    error
}

func (f *fakeStorage) UploadFile(ctx context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	if opts.ProgressCallback != nil {
		opts.ProgressCallback(int64(len(data)), int64(len(data)))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	f.uploads[opts.Key] = data
	return fmt.Sprintf("s3://%s/%s", opts.Bucket, opts.Key), nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (f *fakeStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	return nil
}

func (f *fakeStorage) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "", nil
}

type fixture struct {
	runs repository.RunRepository
	ws   *workspace.Workspace
	user *domain.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "backup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	users := sqlite.NewUserRepository(db)
	runs := sqlite.NewRunRepository(db)
	if err := sqlite.InitAll(ctx, users, runs, sqlite.NewRunFileRepository(db)); err != nil {
		t.Fatal(err)
	}
	user := &domain.User{Email: "u@example.com", PasswordHash: "x", ReferralCode: "CODE"}
	if _, err := users.Create(ctx, user); err != nil {
		t.Fatal(err)
	}
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	return fixture{runs: runs, ws: ws, user: user}
}

func (f fixture) completedRun(t *testing.T, id string, writeZip bool) {
	t.Helper()
	ctx := context.Background()
	zipName := "images_" + id + ".zip"
	run := &domain.Run{ID: id, UserID: f.user.ID, Kind: domain.MediaImage, Status: domain.RunStatusProcessing, BatchSize: 1}
	if err := f.runs.Create(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := f.runs.MarkCompleted(ctx, id, zipName, 1); err != nil {
		t.Fatal(err)
	}
	if writeZip {
		path, err := f.ws.ZipPath(f.user.ID, zipName)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("zipdata"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func waitStatus(t *testing.T, runs repository.RunRepository, id string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := runs.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status == want {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s status = %s, want %s", id, run.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestManagerUploadsArchive(t *testing.T) {
	f := newFixture(t)
	store := &fakeStorage{}
	m := NewManager(Config{Bucket: "archives", KeyPrefix: "/variants/", Logger: quietLogger()}, f.runs, f.ws, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	f.completedRun(t, "run-a", true)
	if err := m.Enqueue(context.Background(), "run-a"); err != nil {
		t.Fatal(err)
	}

	run := waitStatus(t, f.runs, "run-a", domain.RunStatusBackedUp)
	wantKey := fmt.Sprintf("variants/user-%d/images_run-a.zip", f.user.ID)
	if run.S3Location != "s3://archives/"+wantKey {
		t.Fatalf("location = %q", run.S3Location)
	}
	if run.BackedUpAt == nil {
		t.Fatal("backed up time not recorded")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if string(store.uploads[wantKey]) != "zipdata" {
		t.Fatalf("uploaded = %q", store.uploads[wantKey])
	}
}

func TestManagerFailures(t *testing.T) {
	f := newFixture(t)
	store := &fakeStorage{}
	m := NewManager(Config{Bucket: "archives", Logger: quietLogger()}, f.runs, f.ws, store)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	f.completedRun(t, "missing-zip", false)
	if err := m.Enqueue(context.Background(), "missing-zip"); err != nil {
		t.Fatal(err)
	}
	run := waitStatus(t, f.runs, "missing-zip", domain.RunStatusBackupFailed)
	if run.ErrorMessage == "" {
		t.Fatal("expected error message")
	}

	store.fail = errors.New("bucket unreachable")
	f.completedRun(t, "upload-error", true)
	if err := m.Enqueue(context.Background(), "upload-error"); err != nil {
		t.Fatal(err)
	}
	run = waitStatus(t, f.runs, "upload-error", domain.RunStatusBackupFailed)
	if run.ErrorMessage != "upload: bucket unreachable" {
		t.Fatalf("error message = %q", run.ErrorMessage)
	}

	if err := m.Enqueue(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown run err = %v", err)
	}
}

func TestManagerResume(t *testing.T) {
	f := newFixture(t)
	f.completedRun(t, "pending-1", true)
	f.completedRun(t, "pending-2", true)
	if err := f.runs.UpdateStatus(context.Background(), "pending-2", domain.RunStatusBackingUp, nil); err != nil {
		t.Fatal(err)
	}

	m := NewManager(Config{Bucket: "archives", Logger: quietLogger()}, f.runs, f.ws, &fakeStorage{})
	if err := m.Resume(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("resume before start = %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()
	if err := m.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.runs, "pending-1", domain.RunStatusBackedUp)
	waitStatus(t, f.runs, "pending-2", domain.RunStatusBackedUp)
}

func TestManagerDisabled(t *testing.T) {
	f := newFixture(t)
	m := NewManager(Config{Logger: quietLogger()}, f.runs, f.ws, nil)
	if m.Enabled() {
		t.Fatal("manager without storage should be disabled")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	f.completedRun(t, "local-only", true)
	if err := m.Enqueue(context.Background(), "local-only"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(context.Background(), "local-only"); err != nil {
		t.Fatal(err)
	}
	run, _ := f.runs.Get(context.Background(), "local-only")
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
}

func TestObjectKey(t *testing.T) {
	tests := map[string]string{
		"":             "user-3/a.zip",
		"/":            "user-3/a.zip",
		"archives":     "archives/user-3/a.zip",
		"/archives/x/": "archives/x/user-3/a.zip",
	}
	for prefix, want := range tests {
		if got := ObjectKey(prefix, 3, "a.zip"); got != want {
			t.Errorf("ObjectKey(%q) = %q, want %q", prefix, got, want)
		}
	}
}
