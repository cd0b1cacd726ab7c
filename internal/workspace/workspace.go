// Package workspace owns the on-disk layout: uploaded originals, per-run
// output directories, per-user history and zip archives.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalidName is returned for file names that are not plain base names.
var ErrInvalidName = errors.New("invalid file name")

// Workspace resolves paths below a root directory.
type Workspace struct {
	root string
}

// New creates the directory tree under root if it is missing.
func New(root string) (*Workspace, error) {
	w := &Workspace{root: filepath.Clean(root)}
	for _, dir := range []string{w.uploadsDir(), w.processedDir(), w.historyRoot(), w.zipsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return w, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) uploadsDir() string   { return filepath.Join(w.root, "uploads") }
func (w *Workspace) processedDir() string { return filepath.Join(w.root, "processed") }
func (w *Workspace) historyRoot() string  { return filepath.Join(w.root, "history") }
func (w *Workspace) zipsRoot() string     { return filepath.Join(w.root, "zips") }

// HistoryDir returns (and creates) the history directory of a user.
func (w *Workspace) HistoryDir(userID int64) (string, error) {
	return w.userDir(w.historyRoot(), userID)
}

// ZipDir returns (and creates) the archive directory of a user.
func (w *Workspace) ZipDir(userID int64) (string, error) {
	return w.userDir(w.zipsRoot(), userID)
}

func (w *Workspace) userDir(parent string, userID int64) (string, error) {
	dir := filepath.Join(parent, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

// ZipPath resolves an archive name for a user, rejecting anything that is
// not a plain file name.
func (w *Workspace) ZipPath(userID int64, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(w.zipsRoot(), strconv.FormatInt(userID, 10), name), nil
}

// HistoryUsers lists the user ids that own a history directory.
func (w *Workspace) HistoryUsers() ([]int64, error) {
	entries, err := os.ReadDir(w.historyRoot())
	if err != nil {
		return nil, fmt.Errorf("read history root: %w", err)
	}
	var ids []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NewRunDir creates the scratch directory for a run.
func (w *Workspace) NewRunDir(runID string) (string, error) {
	if err := ValidateName(runID); err != nil {
		return "", err
	}
	dir := filepath.Join(w.processedDir(), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// RemoveRunDir deletes a run's scratch directory.
func (w *Workspace) RemoveRunDir(runID string) error {
	if err := ValidateName(runID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(w.processedDir(), runID)); err != nil {
		return fmt.Errorf("remove run dir: %w", err)
	}
	return nil
}

// SaveUpload streams an uploaded original to the uploads directory under a
// run-scoped name and returns its path. The caller removes it when done.
func (w *Workspace) SaveUpload(runID string, index int, name string, src io.Reader) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == ".." {
		base = "upload"
	}
	path := filepath.Join(w.uploadsDir(), fmt.Sprintf("%s-%d-%s", runID, index, base))
	if err := writeFile(path, src); err != nil {
		return "", err
	}
	return path, nil
}

// ValidateName accepts only plain, non-hidden file names.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func writeFile(path string, src io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	return writeFile(dst, in)
}
