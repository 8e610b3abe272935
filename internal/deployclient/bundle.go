package deployclient

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// skippedDirs are never added to a bundle.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Bundle is a gzipped tarball of a project directory.
type Bundle struct {
	Data     []byte
	Checksum string
	Files    int
}

// Size returns the compressed size in bytes.
func (b *Bundle) Size() int {
	return len(b.Data)
}

// CreateBundle archives projectDir. Paths listed in exclude (relative to
// projectDir) are left out; they are how env and secrets files stay local.
func CreateBundle(projectDir string, exclude ...string) (*Bundle, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		if p != "" {
			excluded[filepath.ToSlash(filepath.Clean(p))] = true
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := 0

	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			if skippedDirs[d.Name()] || excluded[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded[name] || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = name
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		closeErr := f.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
		files++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive project %s: %w", projectDir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Bundle{
		Data:     buf.Bytes(),
		Checksum: hex.EncodeToString(sum[:]),
		Files:    files,
	}, nil
}

// ListBundle returns the file names stored in a bundle.
func ListBundle(data []byte) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer gz.Close()

	var names []string
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read bundle: %w", err)
		}
		names = append(names, strings.TrimPrefix(header.Name, "./"))
	}
	return names, nil
}
