package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrOutsideWorkspace is returned for paths that escape the workspace root
	ErrOutsideWorkspace = errors.New("path outside workspace")
	// ErrNoMatch is returned by EditFile when the old text does not occur
	ErrNoMatch = errors.New("old text not found")
	// ErrAmbiguousMatch is returned by EditFile when the old text occurs more than once
	ErrAmbiguousMatch = errors.New("old text matches more than once")
)

const (
	defaultMaxResults = 200
	maxFileBytes      = 4 << 20
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// Workspace confines file operations to a root directory
type Workspace struct {
	Root string
}

// NewWorkspace creates a workspace rooted at an absolute, cleaned path
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspace{Root: abs}, nil
}

// Resolve maps path to an absolute path inside the workspace
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path: %w", ErrOutsideWorkspace)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.Root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(w.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideWorkspace)
	}
	return abs, nil
}

// ReadFile returns a file's contents
func (w *Workspace) ReadFile(ctx context.Context, path string) (string, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxFileBytes {
		return "", fmt.Errorf("%s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content atomically, creating parent directories
func (w *Workspace) WriteFile(ctx context.Context, path, content string) (string, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".guardian-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return abs, nil
}

// EditFile replaces the single occurrence of oldText with newText
func (w *Workspace) EditFile(ctx context.Context, path, oldText, newText string) (string, error) {
	if oldText == "" {
		return "", fmt.Errorf("%s: empty old text: %w", path, ErrNoMatch)
	}
	content, err := w.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}

	switch n := strings.Count(content, oldText); {
	case n == 0:
		return "", fmt.Errorf("%s: %w", path, ErrNoMatch)
	case n > 1:
		return "", fmt.Errorf("%s: %d occurrences: %w", path, n, ErrAmbiguousMatch)
	}

	return w.WriteFile(ctx, path, strings.Replace(content, oldText, newText, 1))
}

// Match is one line matching a search
type Match struct {
	Path string
	Line int
	Text string
}

// SearchFiles scans files under root for lines matching pattern.
// glob, when set, filters on the file's base name.
func (w *Workspace) SearchFiles(ctx context.Context, root, pattern, glob string, maxResults int) ([]Match, bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false, fmt.Errorf("invalid pattern: %w", err)
	}
	if root == "" {
		root = "."
	}
	absRoot, err := w.Resolve(root)
	if err != nil {
		return nil, false, err
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	var matches []Match
	truncated := false
	errLimit := errors.New("limit reached")

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != absRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}

		found, err := searchFile(path, re)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(w.Root, path)
		for _, m := range found {
			if len(matches) >= maxResults {
				truncated = true
				return errLimit
			}
			m.Path = rel
			matches = append(matches, m)
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return nil, false, walkErr
	}
	return matches, truncated, nil
}

func searchFile(path string, re *regexp.Regexp) ([]Match, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Match
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if line == 1 && strings.ContainsRune(text, 0) {
			return nil, nil
		}
		if re.MatchString(text) {
			out = append(out, Match{Line: line, Text: strings.TrimSpace(text)})
		}
	}
	return out, scanner.Err()
}
