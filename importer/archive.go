package importer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Tutortoise/layout-analysis-service/muret"
)

const maxEntryBytes = 512 << 20

var ErrUnsafePath = errors.New("archive entry escapes the target directory")

func isArchive(filename string) bool {
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".tgz") || strings.HasSuffix(name, ".tar.gz")
}

func hidden(name string) bool {
	return strings.HasPrefix(path.Base(name), "._")
}

// extract unpacks a zip or gzipped tar archive into dir.
func extract(filename string, data []byte, dir string) error {
	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		return extractZip(data, dir)
	}
	return extractTar(data, dir)
}

func target(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}

	return filepath.Join(dir, filepath.FromSlash(path.Clean(name))), nil
}

func writeEntry(p string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, io.LimitReader(r, maxEntryBytes)); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func extractZip(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to read zip archive: %w", err)
	}

	for _, file := range zr.File {
		if !file.Mode().IsRegular() || hidden(file.Name) {
			continue
		}

		p, err := target(dir, file.Name)
		if err != nil {
			return err
		}

		rc, err := file.Open()
		if err != nil {
			return err
		}

		err = writeEntry(p, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func extractTar(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to read tgz archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tgz archive: %w", err)
		}

		if header.Typeflag != tar.TypeReg || hidden(header.Name) {
			continue
		}

		p, err := target(dir, header.Name)
		if err != nil {
			return err
		}

		if err := writeEntry(p, tr); err != nil {
			return err
		}
	}
}

// findPackage returns the shallowest directory under root holding a MuRET
// dictionary.
func findPackage(root string) (string, error) {
	found := ""
	depth := -1

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || d.Name() != muret.DictionaryFile {
			return nil
		}

		dir := filepath.Dir(p)
		n := strings.Count(dir, string(filepath.Separator))
		if depth < 0 || n < depth {
			found, depth = dir, n
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	if found == "" {
		return "", fmt.Errorf("archive does not contain a MuRET package: %s not found", muret.DictionaryFile)
	}

	return found, nil
}
