// Package manifest handles svc.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents an svc.toml project configuration.
type Manifest struct {
	Project Project       `toml:"project"`
	Runtime RuntimeConfig `toml:"runtime"`
	Store   StoreConfig   `toml:"store"`

	// Dir is the directory containing the svc.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// RuntimeConfig carries the execution tunables.
type RuntimeConfig struct {
	StackSize    int    `toml:"stack-size"`
	HeapCapacity uint64 `toml:"heap-capacity"`
	Workers      int    `toml:"workers"`
	TimeoutMs    int64  `toml:"timeout-ms"`
	Backend      string `toml:"backend"`
}

// StoreConfig configures the module store location.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Load parses an svc.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "svc.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an svc.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "svc.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) applyDefaults() {
	if m.Runtime.StackSize == 0 {
		m.Runtime.StackSize = 256
	}
	if m.Runtime.HeapCapacity == 0 {
		m.Runtime.HeapCapacity = 16 << 20
	}
	if m.Runtime.Backend == "" {
		m.Runtime.Backend = "interpreter"
	}
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(".svc", "store.db")
	}
}

// Validate rejects configurations the runtime cannot honor.
func (m *Manifest) Validate() error {
	if m.Runtime.StackSize < 0 {
		return fmt.Errorf("runtime.stack-size must not be negative")
	}
	if m.Runtime.Workers < 0 {
		return fmt.Errorf("runtime.workers must not be negative")
	}
	if m.Runtime.TimeoutMs < 0 {
		return fmt.Errorf("runtime.timeout-ms must not be negative")
	}
	switch m.Runtime.Backend {
	case "interpreter", "arm-interpreter":
	default:
		return fmt.Errorf("unknown runtime.backend %q", m.Runtime.Backend)
	}
	return nil
}

// StorePath returns the absolute path of the module store database.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}

// EntryPath returns the absolute path of the configured entry module, or ""
// when the project does not name one.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	if filepath.IsAbs(m.Project.Entry) {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}
