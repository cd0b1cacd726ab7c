package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// History is the rolling per-user store of generated variants. Files expire
// after the retention period, independently of run archives.
type History struct {
	ws        *Workspace
	retention time.Duration
	pageSize  int
	now       func() time.Time
}

// Page is one slice of a user's history, newest first.
type Page struct {
	Files      []string
	Page       int
	TotalPages int
	Total      int
}

func NewHistory(ws *Workspace, retention time.Duration, pageSize int) *History {
	if pageSize <= 0 {
		pageSize = 24
	}
	return &History{
		ws:        ws,
		retention: retention,
		pageSize:  pageSize,
		now:       time.Now,
	}
}

// Add copies a generated variant into the user's history. An existing file
// with the same name is replaced.
func (h *History) Add(userID int64, name, srcPath string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dir, err := h.ws.HistoryDir(userID)
	if err != nil {
		return err
	}
	if err := copyFile(srcPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("history add %s: %w", name, err)
	}
	return nil
}

// Path resolves a history file, failing with fs.ErrNotExist if it is absent.
func (h *History) Path(userID int64, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir, err := h.ws.HistoryDir(userID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fs.ErrNotExist
	}
	return path, nil
}

type historyEntry struct {
	name    string
	modTime time.Time
}

func (h *History) entries(userID int64) ([]historyEntry, error) {
	dir, err := h.ws.HistoryDir(userID)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	entries := make([]historyEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat history entry: %w", err)
		}
		entries = append(entries, historyEntry{name: de.Name(), modTime: info.ModTime()})
	}
	return entries, nil
}

// List returns the requested page of a user's history ordered by
// modification time, newest first. Pages are 1-based; out of range pages
// are empty.
func (h *History) List(userID int64, page int) (Page, error) {
	entries, err := h.entries(userID)
	if err != nil {
		return Page{}, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].name < entries[j].name
		}
		return entries[i].modTime.After(entries[j].modTime)
	})

	if page < 1 {
		page = 1
	}
	total := len(entries)
	result := Page{
		Files:      []string{},
		Page:       page,
		Total:      total,
		TotalPages: (total + h.pageSize - 1) / h.pageSize,
	}
	start := (page - 1) * h.pageSize
	if start >= total {
		return result, nil
	}
	end := min(start+h.pageSize, total)
	for _, e := range entries[start:end] {
		result.Files = append(result.Files, e.name)
	}
	return result, nil
}

// Prune deletes files older than the retention period and returns the names
// that remain.
func (h *History) Prune(userID int64) (kept []string, removed int, err error) {
	entries, err := h.entries(userID)
	if err != nil {
		return nil, 0, err
	}
	dir, err := h.ws.HistoryDir(userID)
	if err != nil {
		return nil, 0, err
	}

	now := h.now()
	kept = []string{}
	for _, e := range entries {
		if now.Sub(e.modTime) > h.retention {
			if err := os.Remove(filepath.Join(dir, e.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, removed, fmt.Errorf("prune %s: %w", e.name, err)
			}
			removed++
			continue
		}
		kept = append(kept, e.name)
	}
	sort.Strings(kept)
	return kept, removed, nil
}

// Delete removes the named files, skipping names that do not exist. It
// returns how many files were removed.
func (h *History) Delete(userID int64, names ...string) (int, error) {
	dir, err := h.ws.HistoryDir(userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			continue
		}
		err := os.Remove(filepath.Join(dir, name))
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return deleted, fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return deleted, nil
}

// WriteZip streams an archive of the named files that exist to w.
func (h *History) WriteZip(userID int64, names []string, w io.Writer) error {
	var paths []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		path, err := h.Path(userID, name)
		if err != nil {
			continue
		}
		paths = append(paths, path)
	}
	_, err := writeZip(w, paths)
	return err
}
