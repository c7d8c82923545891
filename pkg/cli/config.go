package cli

import (
	"fmt"

	"github.com/spacetelescope/blast/pkg/config"
)

// Config holds the command-line settings of one CLI instance
type Config struct {
	ConfigFile string
	WorkDir    string
	Output     string
	Parallel   int
	Notify     bool
	Verbosity  string
	LogFile    string
	Version    string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ConfigFile: config.DefaultPath,
		Verbosity:  "info",
	}
}

// Overrides converts the flag values into config overrides
func (c *Config) Overrides() config.Overrides {
	return config.Overrides{
		Output:        c.Output,
		WorkDir:       c.WorkDir,
		Parallel:      c.Parallel,
		Notifications: c.Notify,
	}
}

// ExitError asks the binary to exit with a specific status
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
