// Package featuretoggle loads and serves runtime feature toggles. Toggles
// come from a YAML file (reloaded on change) or a JSON environment
// variable, and are also exposed to the browser client.
package featuretoggle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/faros/cockpit-gateway/pkg/httputil"
	"github.com/faros/cockpit-gateway/pkg/observability"
)

// ToggleOptimizeSSORedirects selects between per-session OIDC parameter
// fetching (on) and static issuer discovery (off).
const ToggleOptimizeSSORedirects = "optimize_sso_redirects"

// Feature is a single toggle definition
type Feature struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`

	// Client marks toggles that are surfaced to the browser
	Client bool `yaml:"client,omitempty" json:"client,omitempty"`

	// Environments restricts the toggle to the named deployment
	// environments; empty applies everywhere.
	Environments []string `yaml:"environments,omitempty" json:"environments,omitempty"`
}

// Definitions is the on-disk toggle document
type Definitions struct {
	Features []Feature `yaml:"features" json:"features"`
}

// Source holds the current toggle state and supports hot reload
type Source struct {
	mu       sync.RWMutex
	features map[string]Feature

	path        string
	environment string
	logger      *observability.Logger
}

// New creates an empty Source; all lookups report disabled
func New(environment string, logger *observability.Logger) *Source {
	return &Source{
		features:    make(map[string]Feature),
		environment: environment,
		logger:      logger,
	}
}

// NewFromFile loads toggles from a YAML file
func NewFromFile(path, environment string, logger *observability.Logger) (*Source, error) {
	s := New(environment, logger)
	s.path = path
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromJSON loads toggles from a JSON document, typically an environment
// variable.
func NewFromJSON(raw, environment string, logger *observability.Logger) (*Source, error) {
	var defs Definitions
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("parse feature toggle JSON: %w", err)
	}

	s := New(environment, logger)
	s.set(defs)
	return s, nil
}

func (s *Source) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read feature toggle file: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse feature toggle file %s: %w", s.path, err)
	}

	s.set(defs)
	return nil
}

func (s *Source) set(defs Definitions) {
	features := make(map[string]Feature, len(defs.Features))
	for _, f := range defs.Features {
		if !s.applies(f) {
			continue
		}
		features[f.Name] = f
	}

	s.mu.Lock()
	s.features = features
	s.mu.Unlock()
}

// applies reports whether a toggle definition is in scope for this
// deployment environment.
func (s *Source) applies(f Feature) bool {
	if len(f.Environments) == 0 {
		return true
	}
	for _, env := range f.Environments {
		if env == s.environment {
			return true
		}
	}
	return false
}

// IsEnabled reports whether the named toggle is enabled. Unknown toggles
// are disabled.
func (s *Source) IsEnabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features[name].Enabled
}

// ForClient returns the toggles marked for the browser client
func (s *Source) ForClient() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool)
	for name, f := range s.features {
		if f.Client {
			out[name] = f.Enabled
		}
	}
	return out
}

// Watch reloads the toggle file whenever it changes, until the context is
// canceled. It is a no-op for sources not backed by a file.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create feature toggle watcher: %w", err)
	}

	// Watch the directory: editors and configmap mounts replace the file
	// instead of writing it in place.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch feature toggle directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.reload(); err != nil {
					s.logger.WithError(err).Error("feature toggle reload failed")
					continue
				}
				s.logger.WithField("path", s.path).Info("feature toggles reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Error("feature toggle watcher error")
			}
		}
	}()

	return nil
}

// Middleware rejects requests with 403 unless the named toggle is enabled
func (s *Source) Middleware(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.IsEnabled(name) {
				httputil.WriteForbidden(w, fmt.Sprintf("feature %s is disabled", name))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
