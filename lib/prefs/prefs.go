// Package prefs serves the user-managed agent-preferences and restrictions
// files from the relay config dir, kept fresh by a filesystem watcher.
package prefs

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
)

// File stems looked up in the config dir; .json wins over .yaml when both
// exist.
const (
	PreferencesStem  = "agent-preferences"
	RestrictionsStem = "restrictions"
)

var extensions = []string{".json", ".yaml", ".yml"}

var emptyObject = json.RawMessage(`{}`)

// Store caches the two files as JSON. A missing file reads as {}; an
// unparsable file keeps the previous value and logs a warning.
type Store struct {
	logger *slog.Logger
	dir    string

	mu           sync.RWMutex
	preferences  json.RawMessage
	restrictions json.RawMessage
}

// NewStore loads both files once. Call Watch to keep the cache fresh.
func NewStore(logger *slog.Logger, dir string) *Store {
	s := &Store{
		logger:       logger,
		dir:          dir,
		preferences:  emptyObject,
		restrictions: emptyObject,
	}
	s.reload(PreferencesStem)
	s.reload(RestrictionsStem)
	return s
}

// Preferences returns the cached agent preferences as JSON.
func (s *Store) Preferences() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferences
}

// Restrictions returns the cached restrictions as JSON.
func (s *Store) Restrictions() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restrictions
}

// Watch reloads on config-dir changes until ctx is canceled. Watch failures
// degrade to the values loaded at startup rather than failing the relay.
func (s *Store) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("preferences watcher unavailable", "err", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		s.logger.Warn("preferences watch failed", "dir", s.dir, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			stem := stemOf(filepath.Base(ev.Name))
			if stem == PreferencesStem || stem == RestrictionsStem {
				s.reload(stem)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("preferences watcher error", "err", err)
		}
	}
}

func stemOf(base string) string {
	return base[:len(base)-len(filepath.Ext(base))]
}

// reload re-reads one stem from disk into the cache.
func (s *Store) reload(stem string) {
	value := s.read(stem)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch stem {
	case PreferencesStem:
		if value != nil {
			s.preferences = value
		}
	case RestrictionsStem:
		if value != nil {
			s.restrictions = value
		}
	}
}

// read returns the file's contents as JSON, {} when no file exists, or nil
// when the file exists but cannot be parsed (keep the previous value).
func (s *Store) read(stem string) json.RawMessage {
	for _, ext := range extensions {
		path := filepath.Join(s.dir, stem+ext)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			s.logger.Warn("preferences file unreadable", "path", path, "err", err)
			return nil
		}

		jsonData, err := yaml.YAMLToJSON(data) // YAML is a JSON superset; one path handles both
		if err != nil {
			s.logger.Warn("preferences file unparsable", "path", path, "err", err)
			return nil
		}
		if !json.Valid(jsonData) || len(jsonData) == 0 {
			s.logger.Warn("preferences file not valid JSON", "path", path)
			return nil
		}
		return jsonData
	}
	return emptyObject
}
