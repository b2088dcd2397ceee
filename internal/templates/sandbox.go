package templates

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines template reads to one directory. Lookups go through os.Root,
// so symlinks that leave the directory are refused by the kernel walk rather
// than by string comparison.
type Sandbox struct {
	dir  string
	root *os.Root
}

// NewSandbox opens dir as the sandbox root. The sandbox holds the directory open
// until Close.
func NewSandbox(dir string) (*Sandbox, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: open root: %w", err)
	}
	return &Sandbox{dir: abs, root: root}, nil
}

// Root returns the sandbox directory.
func (s *Sandbox) Root() string { return s.dir }

// Close releases the directory handle.
func (s *Sandbox) Close() error {
	if s == nil || s.root == nil {
		return nil
	}
	return s.root.Close()
}

// ReadFile reads path relative to the sandbox. Absolute paths are accepted when
// they point inside it.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	if s == nil || s.root == nil {
		return nil, errors.New("templates: sandbox is nil")
	}
	rel, err := s.relative(path)
	if err != nil {
		return nil, err
	}
	f, err := s.root.Open(rel)
	if err != nil {
		return nil, fmt.Errorf("templates: open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	contents, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return contents, nil
}

func (s *Sandbox) relative(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(s.dir, cleaned)
		if err != nil {
			return "", fmt.Errorf("templates: path %q escapes sandbox", path)
		}
		cleaned = rel
	}
	if !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return cleaned, nil
}
