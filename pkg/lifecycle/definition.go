package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/agent-guardian/pkg/logging"
)

// Definition is a stored workload definition
type Definition struct {
	ID                string            `yaml:"id,omitempty"`
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description,omitempty"`
	Command           []string          `yaml:"command"`
	SourceDir         string            `yaml:"source_dir,omitempty"`
	DefaultEntryPoint string            `yaml:"default_entry_point,omitempty"`
	EntryPoints       []string          `yaml:"entry_points,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	Timeout           time.Duration     `yaml:"timeout,omitempty"`

	// Path is the absolute file the definition was read from
	Path string `yaml:"-"`
}

// Validate checks required fields
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("definition name is required")
	}
	if len(d.Command) == 0 {
		return errors.New("definition command is required")
	}
	if d.DefaultEntryPoint != "" && len(d.EntryPoints) > 0 && !d.HasEntryPoint(d.DefaultEntryPoint) {
		return fmt.Errorf("default entry point %q not in entry_points", d.DefaultEntryPoint)
	}
	return nil
}

// HasEntryPoint reports whether name is a declared entry point.
// A definition that declares none accepts any name.
func (d *Definition) HasEntryPoint(name string) bool {
	if len(d.EntryPoints) == 0 {
		return true
	}
	for _, ep := range d.EntryPoints {
		if ep == name {
			return true
		}
	}
	return false
}

// DefinitionSource resolves a load path to a definition
type DefinitionSource interface {
	Resolve(ctx context.Context, path string) (*Definition, error)
}

// forgetter is implemented by sources that cache, so restart can force a fresh read
type forgetter interface {
	Forget(path string)
}

// ParseDefinition decodes a YAML definition
func ParseDefinition(data []byte, path string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", path, err)
	}
	def.Path = path
	if def.SourceDir == "" {
		def.SourceDir = filepath.Dir(path)
	} else if !filepath.IsAbs(def.SourceDir) {
		def.SourceDir = filepath.Join(filepath.Dir(path), def.SourceDir)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", path, err)
	}
	return &def, nil
}

// DirSource reads YAML definitions from a directory and caches them until the file changes
type DirSource struct {
	Dir string

	mu    sync.Mutex
	cache map[string]*Definition
}

// NewDirSource creates a source rooted at dir
func NewDirSource(dir string) (*DirSource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &DirSource{Dir: abs, cache: make(map[string]*Definition)}, nil
}

func (s *DirSource) locate(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.Dir, candidate)
	}
	candidate = filepath.Clean(candidate)

	tries := []string{candidate}
	if filepath.Ext(candidate) == "" {
		tries = append(tries, candidate+".yaml", candidate+".yml", filepath.Join(candidate, "agent.yaml"))
	}
	for _, p := range tries {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrNotFound)
}

// Resolve returns the definition at path, reading it if it is not cached
func (s *DirSource) Resolve(ctx context.Context, path string) (*Definition, error) {
	abs, err := s.locate(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if def, ok := s.cache[abs]; ok {
		s.mu.Unlock()
		return def, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(data, abs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[abs] = def
	s.mu.Unlock()
	return def, nil
}

// Forget drops a cached definition
func (s *DirSource) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, filepath.Clean(path))
}

// Watch evicts cached definitions when their files change. It blocks until ctx is done.
func (s *DirSource) Watch(ctx context.Context, logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.Dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.Forget(event.Name)
				logger.Debug("Definition changed", map[string]interface{}{
					"path": event.Name,
					"op":   event.Op.String(),
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Definition watcher error", map[string]interface{}{"error": err})
		}
	}
}
