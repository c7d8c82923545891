// Package config handles configuration loading and management
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/spacetelescope/blast/pkg/types"
	"github.com/spacetelescope/blast/pkg/utils"
	"github.com/spacetelescope/blast/pkg/validation"
)

// DefaultPath is where the configuration is read from when no path is given
const DefaultPath = "~/.blast/config.yaml"

// Manager handles configuration operations
type Manager struct {
	workDir string
}

// NewManager creates a new configuration manager. Relative output paths
// are checked against workDir.
func NewManager(workDir string) *Manager {
	return &Manager{workDir: workDir}
}

// ResolvePath expands the default path and a leading "~"
func ResolvePath(path string) string {
	if path == "" {
		path = DefaultPath
	}
	return utils.ExpandHome(path)
}

// Parse decodes a configuration document. JSON documents are accepted too,
// being valid YAML.
func Parse(data []byte) (*types.Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: document is empty", ErrConfigInvalid)
	}

	var cfg types.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return &cfg, nil
}

// Read loads a configuration file without validating it
func (m *Manager) Read(path string) (*types.Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig loads and validates a configuration file. Every validation
// error is reported at once, wrapped in ErrConfigInvalid.
func (m *Manager) LoadConfig(path string) (*types.Config, error) {
	cfg, err := m.Read(path)
	if err != nil {
		return nil, err
	}
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every error, warning and note about cfg
func (m *Manager) Validate(cfg *types.Config) *validation.ValidationResult {
	return validation.NewConfigValidator(m.workDir).Validate(cfg)
}

// ValidateConfig returns nil when cfg has no error-level problems
func (m *Manager) ValidateConfig(cfg *types.Config) error {
	if err := m.Validate(cfg).Err(); err != nil {
		return fmt.Errorf("%w:\n%w", ErrConfigInvalid, err)
	}
	return nil
}

// Overrides are settings supplied by flags or the environment. Zero
// values leave the file's setting alone.
type Overrides struct {
	Output        string
	WorkDir       string
	Parallel      int
	Notifications bool
}

// Apply copies the non-zero overrides into cfg
func (o Overrides) Apply(cfg *types.Config) {
	if o.Output != "" {
		cfg.Output = o.Output
	}
	if o.WorkDir != "" {
		cfg.WorkDir = o.WorkDir
	}
	if o.Parallel > 0 {
		cfg.Parallel = o.Parallel
	}
	if o.Notifications {
		cfg.Notifications = true
	}
}

// WorkDir returns the directory checkouts are cloned into: the configured
// workdir, or the current directory.
func WorkDir(cfg *types.Config) (string, error) {
	dir := cfg.WorkDir
	if dir == "" {
		dir = "."
	}
	return filepath.Abs(utils.ExpandHome(dir))
}
