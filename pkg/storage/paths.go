package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound covers both missing files and names that resolve outside the
// export root, so callers cannot probe for paths.
var ErrNotFound = errors.New("file not found")

// ResolveWithin joins name onto root and verifies the result stays inside
// root. Absolute names and names with ".." elements are rejected outright.
func ResolveWithin(root, name string) (string, error) {
	if root == "" || name == "" || strings.ContainsRune(name, 0) {
		return "", ErrNotFound
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", ErrNotFound
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", ErrNotFound
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", ErrNotFound
	}
	resolved := filepath.Join(absRoot, name)
	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrNotFound
	}
	return resolved, nil
}

// OpenDownload resolves name under root and opens it for streaming. The file
// must be a regular file.
func OpenDownload(root, name string) (*os.File, os.FileInfo, error) {
	path, err := ResolveWithin(root, name)
	if err != nil {
		return nil, nil, err
	}
	return openRegular(path)
}

// OpenFile opens a path chosen by configuration rather than by a caller.
func OpenFile(path string) (*os.File, os.FileInfo, error) {
	return openRegular(path)
}

func openRegular(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrNotFound
	}
	return f, info, nil
}
