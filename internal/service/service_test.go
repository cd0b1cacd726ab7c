package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"variant-studio/internal/backup"
	"variant-studio/internal/billing"
	"variant-studio/internal/domain"
	"variant-studio/internal/repository"
	"variant-studio/internal/repository/sqlite"
	"variant-studio/internal/variant"
	"variant-studio/internal/workspace"
)

type fixture struct {
	users   repository.UserRepository
	runs    repository.RunRepository
	files   repository.RunFileRepository
	ws      *workspace.Workspace
	history *workspace.History
	logger  *logrus.Logger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "service.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	f := fixture{
		users: sqlite.NewUserRepository(db),
		runs:  sqlite.NewRunRepository(db),
		files: sqlite.NewRunFileRepository(db),
	}
	if err := sqlite.InitAll(context.Background(), f.users, f.runs, f.files); err != nil {
		t.Fatal(err)
	}
	f.ws, err = workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	f.history = workspace.NewHistory(f.ws, 7*24*time.Hour, 24)
	f.logger = logrus.New()
	f.logger.SetOutput(io.Discard)
	return f
}

func (f fixture) user(t *testing.T, email string, tokens int) *domain.User {
	t.Helper()
	u := &domain.User{Email: email, PasswordHash: "x", ReferralCode: strings.ToUpper(email[:3]), Tokens: tokens}
	if _, err := f.users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func (f fixture) tokens(t *testing.T, id int64) int {
	t.Helper()
	u, err := f.users.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return u.Tokens
}

type fakeBackups struct {
	mu       sync.Mutex
	enqueued []string
	canceled []string
}

func (b *fakeBackups) Start(ctx context.Context) error  { return nil }
func (b *fakeBackups) Shutdown()                        {}
func (b *fakeBackups) Resume(ctx context.Context) error { return nil }
func (b *fakeBackups) Enabled() bool                    { return true }

func (b *fakeBackups) Enqueue(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, runID)
	return nil
}

func (b *fakeBackups) Cancel(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, runID)
	return nil
}

var _ backup.Manager = (*fakeBackups)(nil)

type fakeVideos struct {
	calls int
}

func (v *fakeVideos) GenerateVideos(ctx context.Context, srcPath, name, outDir string, opts variant.Options, s *variant.Sampler) ([]variant.Output, error) {
	v.calls++
	if _, err := os.Stat(srcPath); err != nil {
		return nil, fmt.Errorf("source not saved: %w", err)
	}
	var outs []variant.Output
	for i := 1; i <= opts.BatchSize; i++ {
		outName := variant.VariantName(variant.Stem(name), i, ".mp4")
		path := filepath.Join(outDir, outName)
		if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
			return nil, err
		}
		outs = append(outs, variant.Output{Name: outName, Path: path, Size: 5})
	}
	return outs, nil
}

func pngUpload(t *testing.T, name string) Upload {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 6), G: 80, B: uint8(y * 8), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return bytesUpload(name, buf.Bytes())
}

func bytesUpload(name string, data []byte) Upload {
	return Upload{Name: name, Open: func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}}
}

var mp4Header = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom\x00\x00\x00\x08free")

func (f fixture) runService(backups backup.Manager, videos VideoRenderer) RunService {
	return NewRunService(RunConfig{MaxBatchSize: 10, TokenCost: 1, Logger: f.logger}, RunDeps{
		Runs:      f.runs,
		Files:     f.files,
		Users:     f.users,
		Workspace: f.ws,
		History:   f.history,
		Videos:    videos,
		Backups:   backups,
	})
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewUserService(f.users, UserConfig{SignupTokens: 50, ReferralBonus: 20})

	alice, err := svc.Register(ctx, "  Alice@Example.com ", "password1", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if alice.Email != "alice@example.com" || alice.Tokens != 50 || alice.PasswordHash != "" {
		t.Fatalf("alice = %+v", alice)
	}
	if len(alice.ReferralCode) != 10 {
		t.Fatalf("referral code = %q", alice.ReferralCode)
	}

	bob, err := svc.Register(ctx, "bob@example.com", "password2", strings.ToLower(alice.ReferralCode))
	if err != nil {
		t.Fatalf("Register with referral: %v", err)
	}
	if bob.Tokens != 70 || bob.ReferredBy == nil || *bob.ReferredBy != alice.ID {
		t.Fatalf("bob = %+v", bob)
	}
	if got := f.tokens(t, alice.ID); got != 70 {
		t.Fatalf("referrer tokens = %d, want 70", got)
	}

	tests := []struct {
		name     string
		email    string
		password string
		code     string
		want     error
	}{
		{"duplicate", "ALICE@example.com", "password1", "", ErrUserAlreadyExists},
		{"unknown referral", "carol@example.com", "password1", "NOPE", ErrInvalidReferralCode},
		{"short password", "dave@example.com", "short", "", ErrInvalidInput},
		{"password over bcrypt limit", "erin@example.com", strings.Repeat("p", 73), "", ErrInvalidInput},
		{"bad email", "not-an-email", "password1", "", ErrInvalidInput},
		{"empty email", "", "password1", "", ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tt.email, tt.password, tt.code); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.users.GetByEmail(ctx, "carol@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("failed registration created a user")
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewUserService(f.users, UserConfig{})
	created, err := svc.Register(ctx, "user@example.com", "correct horse", "")
	if err != nil {
		t.Fatal(err)
	}

	user, err := svc.Authenticate(ctx, "USER@example.com", "correct horse")
	if err != nil || user.ID != created.ID || user.PasswordHash != "" {
		t.Fatalf("Authenticate = %+v, %v", user, err)
	}
	for _, pair := range [][2]string{{"user@example.com", "wrong"}, {"nobody@example.com", "correct horse"}, {"", ""}} {
		if _, err := svc.Authenticate(ctx, pair[0], pair[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Authenticate(%q) err = %v", pair[0], err)
		}
	}

	got, err := svc.GetByID(ctx, created.ID)
	if err != nil || got.Email != "user@example.com" {
		t.Fatalf("GetByID = %+v, %v", got, err)
	}
}

func TestProcessImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "img@example.com", 100)
	backups := &fakeBackups{}
	svc := f.runService(backups, nil)

	seed := uint64(7)
	opts := variant.Options{
		Transforms: variant.Transforms{Contrast: true, Rotate: true, Crop: true, FlipHorizontal: true},
		Intensity:  60,
		BatchSize:  3,
		Seed:       &seed,
	}
	run, err := svc.ProcessImages(ctx, user.ID, []Upload{pngUpload(t, "a.png"), pngUpload(t, `dir\a.png`)}, opts)
	if err != nil {
		t.Fatalf("ProcessImages: %v", err)
	}

	if run.Status != domain.RunStatusCompleted || run.VariantCount != 6 || run.SourceCount != 2 {
		t.Fatalf("run = %+v", run)
	}
	if run.ZipName != "images_"+run.ID+".zip" {
		t.Fatalf("zip name = %s", run.ZipName)
	}
	if run.Transforms != "contrast,rotate,crop,flip_horizontal" {
		t.Fatalf("transforms = %q", run.Transforms)
	}
	if len(run.Files) != 6 {
		t.Fatalf("run files = %d", len(run.Files))
	}
	if got := f.tokens(t, user.ID); got != 94 {
		t.Fatalf("tokens = %d, want 94", got)
	}

	path, err := svc.ArchivePath(ctx, user.ID, run.ZipName)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"a_2_variant_1.jpg", "a_2_variant_2.jpg", "a_2_variant_3.jpg",
		"a_variant_1.jpg", "a_variant_2.jpg", "a_variant_3.jpg",
	}
	if got := zipEntries(t, path); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("zip entries = %v", got)
	}

	page, err := f.history.List(user.ID, 1)
	if err != nil || page.Total != 6 {
		t.Fatalf("history = %+v, %v", page, err)
	}
	if _, err := os.Stat(filepath.Join(f.ws.Root(), "processed", run.ID)); !os.IsNotExist(err) {
		t.Fatalf("run dir not removed: %v", err)
	}
	if len(backups.enqueued) != 1 || backups.enqueued[0] != run.ID {
		t.Fatalf("enqueued = %v", backups.enqueued)
	}
}

func TestProcessImagesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.runService(nil, nil)

	poor := f.user(t, "poor@example.com", 2)
	if _, err := svc.ProcessImages(ctx, poor.ID, []Upload{pngUpload(t, "a.png")}, variant.Options{}); !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("err = %v, want ErrInsufficientTokens", err)
	}
	if runs, _ := svc.ListRuns(ctx, poor.ID); len(runs) != 0 {
		t.Fatalf("runs created without tokens: %v", runs)
	}

	rich := f.user(t, "rich@example.com", 50)
	if _, err := svc.ProcessImages(ctx, rich.ID, nil, variant.Options{}); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("err = %v, want ErrNoFiles", err)
	}
	if _, err := svc.ProcessImages(ctx, rich.ID, []Upload{pngUpload(t, "a.png")}, variant.Options{BatchSize: 11}); !errors.Is(err, ErrInvalidBatchSize) {
		t.Fatalf("err = %v, want ErrInvalidBatchSize", err)
	}

	uploads := []Upload{pngUpload(t, "ok.png"), bytesUpload("notes.png", []byte("just some text"))}
	_, err := svc.ProcessImages(ctx, rich.ID, uploads, variant.Options{BatchSize: 2})
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("err = %v, want ErrUnsupportedMedia", err)
	}
	if got := f.tokens(t, rich.ID); got != 50 {
		t.Fatalf("tokens after rejected upload = %d, want 50", got)
	}
	if runs, _ := svc.ListRuns(ctx, rich.ID); len(runs) != 0 {
		t.Fatalf("runs created for rejected upload: %v", runs)
	}
	if page, _ := f.history.List(rich.ID, 1); page.Total != 0 {
		t.Fatalf("history after rejected upload = %v", page.Files)
	}
}

func TestProcessImagesFailureDiscardsOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.runService(nil, nil)
	user := f.user(t, "partial@example.com", 50)

	rc, err := pngUpload(t, "broken.png").Open()
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	broken := bytesUpload("broken.png", data[:60])

	_, err = svc.ProcessImages(ctx, user.ID, []Upload{pngUpload(t, "ok.png"), broken}, variant.Options{BatchSize: 3})
	if err == nil {
		t.Fatal("expected decode failure for truncated image")
	}
	if got := f.tokens(t, user.ID); got != 50 {
		t.Fatalf("tokens after failure = %d, want refund to 50", got)
	}

	runs, err := svc.ListRuns(ctx, user.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].Status != domain.RunStatusFailed || runs[0].ErrorMessage == "" {
		t.Fatalf("failed run = %+v", runs[0])
	}

	page, err := f.history.List(user.ID, 1)
	if err != nil || page.Total != 0 {
		t.Fatalf("history after failed run = %v, %v", page.Files, err)
	}
	if _, err := os.Stat(filepath.Join(f.ws.Root(), "processed", runs[0].ID)); !os.IsNotExist(err) {
		t.Fatalf("run dir not removed: %v", err)
	}
	if _, err := svc.ArchivePath(ctx, user.ID, "images_"+runs[0].ID+".zip"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("archive of failed run = %v, want ErrRunNotFound", err)
	}
}

func TestProcessVideos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "vid@example.com", 10)
	videos := &fakeVideos{}
	svc := f.runService(nil, videos)

	run, err := svc.ProcessVideos(ctx, user.ID, []Upload{bytesUpload("clip.mp4", mp4Header)}, variant.Options{BatchSize: 2, Transforms: variant.Transforms{Crop: true}})
	if err != nil {
		t.Fatalf("ProcessVideos: %v", err)
	}
	if run.Kind != domain.MediaVideo || run.ZipName != "videos_"+run.ID+".zip" || run.VariantCount != 2 {
		t.Fatalf("run = %+v", run)
	}
	if videos.calls != 1 {
		t.Fatalf("renderer calls = %d", videos.calls)
	}
	uploads, _ := os.ReadDir(filepath.Join(f.ws.Root(), "uploads"))
	if len(uploads) != 0 {
		t.Fatalf("uploaded originals left behind: %d", len(uploads))
	}

	if _, err := svc.ProcessVideos(ctx, user.ID, []Upload{pngUpload(t, "still.png")}, variant.Options{BatchSize: 1}); !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("image as video err = %v", err)
	}
	if got := f.tokens(t, user.ID); got != 8 {
		t.Fatalf("tokens = %d, want 8", got)
	}
}

func TestRunOwnershipAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.user(t, "own@example.com", 20)
	other := f.user(t, "oth@example.com", 20)
	backups := &fakeBackups{}
	svc := f.runService(backups, nil)

	run, err := svc.ProcessImages(ctx, owner.ID, []Upload{pngUpload(t, "p.png")}, variant.Options{BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.GetRun(ctx, other.ID, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("foreign GetRun err = %v", err)
	}
	if _, err := svc.ArchivePath(ctx, other.ID, run.ZipName); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("foreign ArchivePath err = %v", err)
	}
	if _, err := svc.ArchivePath(ctx, owner.ID, "../"+run.ZipName); !errors.Is(err, workspace.ErrInvalidName) {
		t.Fatalf("traversal err = %v", err)
	}
	if _, err := svc.DeleteRun(ctx, owner.ID, run.ID, true); !errors.Is(err, ErrStorageDisabled) {
		t.Fatalf("remote delete without storage err = %v", err)
	}
	if _, err := svc.BackupURL(ctx, owner.ID, run.ID); !errors.Is(err, ErrStorageDisabled) {
		t.Fatalf("BackupURL err = %v", err)
	}

	warnings, err := svc.DeleteRun(ctx, owner.ID, run.ID, false)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("DeleteRun = %v, %v", warnings, err)
	}
	if _, err := svc.ArchivePath(ctx, owner.ID, run.ZipName); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("archive still present: %v", err)
	}
	if _, err := svc.GetRun(ctx, owner.ID, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("run still present: %v", err)
	}
	if len(backups.canceled) != 1 {
		t.Fatalf("backup not cancelled: %v", backups.canceled)
	}

	page, _ := f.history.List(owner.ID, 1)
	if page.Total != 1 {
		t.Fatalf("history should outlive the run, got %d files", page.Total)
	}
}

type fakeProvider struct {
	customers int
	sessions  []billing.CheckoutParams
	event     billing.Event
	parseErr  error
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	p.customers++
	return fmt.Sprintf("cus_%d", p.customers), nil
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (string, error) {
	p.sessions = append(p.sessions, params)
	return fmt.Sprintf("cs_%d", len(p.sessions)), nil
}

func (p *fakeProvider) ParseWebhook(payload []byte, signature string) (billing.Event, error) {
	return p.event, p.parseErr
}

func TestBillingCheckout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "pay@example.com", 0)
	provider := &fakeProvider{}
	svc := NewBillingService(BillingConfig{SuccessURL: "https://app/ok", CancelURL: "https://app/no", Logger: f.logger}, f.users, provider)

	for i := 1; i <= 2; i++ {
		id, err := svc.Checkout(ctx, user.ID, "price_pro")
		if err != nil {
			t.Fatal(err)
		}
		if id != fmt.Sprintf("cs_%d", i) {
			t.Fatalf("session id = %s", id)
		}
	}
	if provider.customers != 1 {
		t.Fatalf("customers created = %d, want 1", provider.customers)
	}
	if p := provider.sessions[1]; p.CustomerID != "cus_1" || p.PriceID != "price_pro" || p.SuccessURL != "https://app/ok" {
		t.Fatalf("checkout params = %+v", p)
	}
	if _, err := svc.Checkout(ctx, user.ID, " "); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("empty plan err = %v", err)
	}

	disabled := NewBillingService(BillingConfig{Logger: f.logger}, f.users, nil)
	if _, err := disabled.Checkout(ctx, user.ID, "price_pro"); !errors.Is(err, ErrBillingDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	if err := disabled.HandleWebhook(ctx, nil, ""); !errors.Is(err, ErrBillingDisabled) {
		t.Fatalf("disabled webhook err = %v", err)
	}
}

func TestBillingEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "sub@example.com", 5)
	if err := f.users.SetStripeCustomer(ctx, user.ID, "cus_42"); err != nil {
		t.Fatal(err)
	}
	provider := &fakeProvider{}
	svc := NewBillingService(BillingConfig{TokensPerInvoice: 100, Logger: f.logger}, f.users, provider)

	provider.event = billing.Event{Type: billing.EventSubscriptionCreated, CustomerID: "cus_42", SubscriptionID: "sub_7", Plan: "Pro"}
	if err := svc.HandleWebhook(ctx, []byte("{}"), "sig"); err != nil {
		t.Fatal(err)
	}
	got, err := f.users.GetByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Plan != "Pro" || got.StripeSubscriptionID != "sub_7" {
		t.Fatalf("user after subscription = %+v", got)
	}

	if err := svc.HandleEvent(ctx, billing.Event{Type: billing.EventInvoicePaymentSucceeded, SubscriptionID: "sub_7"}); err != nil {
		t.Fatal(err)
	}
	if tokens := f.tokens(t, user.ID); tokens != 105 {
		t.Fatalf("tokens = %d, want 105", tokens)
	}

	paid := billing.Event{ID: "evt_paid_1", Type: billing.EventInvoicePaymentSucceeded, SubscriptionID: "sub_7"}
	for i := 0; i < 2; i++ {
		if err := svc.HandleEvent(ctx, paid); err != nil {
			t.Fatal(err)
		}
	}
	if tokens := f.tokens(t, user.ID); tokens != 205 {
		t.Fatalf("tokens after redelivered invoice = %d, want 205", tokens)
	}

	ignored := []billing.Event{
		{Type: billing.EventInvoicePaymentSucceeded, SubscriptionID: "sub_unknown"},
		{Type: billing.EventSubscriptionCreated, CustomerID: "cus_unknown", SubscriptionID: "sub_x"},
		{Type: "charge.refunded"},
	}
	for _, ev := range ignored {
		if err := svc.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent(%s) = %v", ev.Type, err)
		}
	}
	if tokens := f.tokens(t, user.ID); tokens != 205 {
		t.Fatalf("ignored events changed tokens to %d", tokens)
	}

	provider.parseErr = billing.ErrInvalidSignature
	if err := svc.HandleWebhook(ctx, []byte("{}"), "bad"); !errors.Is(err, billing.ErrInvalidSignature) {
		t.Fatalf("bad signature err = %v", err)
	}
}
