package workspace

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ArchiveDir writes every regular file found below dir into a zip at
// zipPath, flattened to their base names.
func ArchiveDir(dir, zipPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)

	out, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	names, err := writeZip(out, files)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(zipPath)
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return names, nil
}

// writeZip streams the given files into w under their base names.
func writeZip(w io.Writer, paths []string) ([]string, error) {
	zw := zip.NewWriter(w)
	names := make([]string, 0, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		if err := addToZip(zw, path, name); err != nil {
			_ = zw.Close()
			return nil, err
		}
		names = append(names, name)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalise archive: %w", err)
	}
	return names, nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("zip copy %s: %w", name, err)
	}
	return nil
}
