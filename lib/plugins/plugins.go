// Package plugins manages locally installed plugin trees under the relay
// config dir. Installation is filesystem-only; nothing here loads or runs
// plugin code.
package plugins

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/browserforce/relay/lib/ziputil"
)

// Plugin names are path components; keep them boring.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// ErrInvalidName rejects plugin names that are unsafe as path components.
var ErrInvalidName = fmt.Errorf("invalid plugin name")

// Plugin describes one installed plugin.
type Plugin struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path"`
}

// Manager installs, removes and lists plugins under <dir>. All mutation is
// serialized; an install of an existing plugin replaces it atomically
// (extract aside, then swap).
type Manager struct {
	mu  sync.Mutex
	dir string
}

// NewManager returns a Manager rooted at dir. The directory is created on
// first install, not here.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// ValidName reports whether name is acceptable as a plugin name.
func ValidName(name string) bool {
	return nameRegex.MatchString(name)
}

// Install extracts a zip archive as plugin <name>, replacing any previous
// installation of the same name.
func (m *Manager) Install(name string, archive io.Reader) (Plugin, error) {
	if !ValidName(name) {
		return Plugin{}, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Plugin{}, fmt.Errorf("create plugins dir: %w", err)
	}

	// Spool the archive to disk; ziputil needs a seekable file.
	tmpZip, err := os.CreateTemp("", "plugin-*.zip")
	if err != nil {
		return Plugin{}, fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmpZip.Name())
	if _, err := io.Copy(tmpZip, archive); err != nil {
		tmpZip.Close()
		return Plugin{}, fmt.Errorf("spool archive: %w", err)
	}
	if err := tmpZip.Close(); err != nil {
		return Plugin{}, fmt.Errorf("finalize temp archive: %w", err)
	}

	// Extract aside, then swap into place so a failed extract never
	// clobbers an existing installation.
	staging, err := os.MkdirTemp(m.dir, "."+name+"-staging-*")
	if err != nil {
		return Plugin{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)
	if err := ziputil.Unzip(tmpZip.Name(), staging); err != nil {
		return Plugin{}, fmt.Errorf("extract archive: %w", err)
	}

	dest := filepath.Join(m.dir, name)
	old := ""
	if _, err := os.Stat(dest); err == nil {
		old, err = os.MkdirTemp(m.dir, "."+name+"-old-*")
		if err != nil {
			return Plugin{}, fmt.Errorf("create swap dir: %w", err)
		}
		os.RemoveAll(old)
		if err := os.Rename(dest, old); err != nil {
			return Plugin{}, fmt.Errorf("displace previous install: %w", err)
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		if old != "" {
			os.Rename(old, dest)
		}
		return Plugin{}, fmt.Errorf("install plugin: %w", err)
	}
	if old != "" {
		os.RemoveAll(old)
	}

	return m.describe(name), nil
}

// Remove deletes plugin <name>. Removing a plugin that is not installed is
// not an error.
func (m *Manager) Remove(name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(m.dir, name)); err != nil {
		return fmt.Errorf("remove plugin: %w", err)
	}
	return nil
}

// List returns every installed plugin, sorted by name.
func (m *Manager) List() ([]Plugin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return []Plugin{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	out := make([]Plugin, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		out = append(out, m.describe(e.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// describe reads the plugin's manifest for a version string, tolerating a
// missing or unparsable manifest.
func (m *Manager) describe(name string) Plugin {
	p := Plugin{Name: name, Path: filepath.Join(m.dir, name)}
	data, err := os.ReadFile(filepath.Join(p.Path, "manifest.json"))
	if err != nil {
		return p
	}
	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &manifest); err == nil {
		p.Version = manifest.Version
	}
	return p
}
