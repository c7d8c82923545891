// Package validation checks a loaded configuration before any build work starts
package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spacetelescope/blast/pkg/specifier"
	"github.com/spacetelescope/blast/pkg/types"
)

// ConfigValidator validates matrix configurations
type ConfigValidator struct {
	workDir string
}

// NewConfigValidator creates a validator resolving relative paths against workDir
func NewConfigValidator(workDir string) *ConfigValidator {
	return &ConfigValidator{
		workDir: workDir,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Subject string
	Field   string
	Message string
	Level   ValidationLevel
}

// ValidationLevel represents error severity
type ValidationLevel string

const (
	ValidationLevelError   ValidationLevel = "error"
	ValidationLevelWarning ValidationLevel = "warning"
	ValidationLevelInfo    ValidationLevel = "info"
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s.%s: %s", e.Level, e.Subject, e.Field, e.Message)
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(subject, field, message string, level ValidationLevel) {
	r.Errors = append(r.Errors, ValidationError{
		Subject: subject,
		Field:   field,
		Message: message,
		Level:   level,
	})
	if level == ValidationLevelError {
		r.Valid = false
	}
}

// Filter returns the entries of the given level
func (r *ValidationResult) Filter(level ValidationLevel) []ValidationError {
	var out []ValidationError
	for _, e := range r.Errors {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Err joins every error-level entry, or returns nil when the result is valid
func (r *ValidationResult) Err() error {
	var errs []error
	for _, e := range r.Filter(ValidationLevelError) {
		e := e
		errs = append(errs, &e)
	}
	return errors.Join(errs...)
}

// Validate validates a configuration, collecting every problem instead of
// stopping at the first one.
func (v *ConfigValidator) Validate(config *types.Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if config == nil {
		result.AddError("config", "", "configuration is empty", ValidationLevelError)
		return result
	}

	v.validateTopLevel(config, result)
	v.validateGlobal(config, result)
	v.validateProjects(config, result)
	v.validateOutput(config, result)

	return result
}

func (v *ConfigValidator) validateTopLevel(config *types.Config, result *ValidationResult) {
	if strings.TrimSpace(config.Host) == "" {
		result.AddError("config", "host", "required key is missing", ValidationLevelError)
	}
	if strings.TrimSpace(config.Organization) == "" {
		result.AddError("config", "organization", "required key is missing", ValidationLevelError)
	}
	if config.Global == nil {
		result.AddError("config", "global", "required key is missing", ValidationLevelError)
	}
	if config.Projects == nil {
		result.AddError("config", "projects", "required key is missing", ValidationLevelError)
	} else if len(config.Projects) == 0 {
		result.AddError("config", "projects", "no projects defined", ValidationLevelWarning)
	}

	if config.Parallel < 0 {
		result.AddError("config", "parallel", fmt.Sprintf("must not be negative, got %d", config.Parallel), ValidationLevelError)
	}

	switch config.LatestPrecedence {
	case "", types.LatestCompose, types.LatestOverride:
	default:
		result.AddError("config", "latest_precedence",
			fmt.Sprintf("unknown value %q (expected %q or %q)", config.LatestPrecedence, types.LatestCompose, types.LatestOverride),
			ValidationLevelError)
	}

	for _, command := range config.BuildCommands {
		if strings.TrimSpace(command) == "" {
			result.AddError("config", "build_commands", "empty build command", ValidationLevelError)
		}
	}
}

func (v *ConfigValidator) validateGlobal(config *types.Config, result *ValidationResult) {
	if config.Global == nil {
		return
	}

	if len(config.Global.Python) == 0 {
		result.AddError("global", "python", "at least one interpreter version is required", ValidationLevelError)
	}

	seen := make(map[string]bool, len(config.Global.Python))
	for _, version := range config.Global.Python {
		if strings.TrimSpace(version) == "" {
			result.AddError("global", "python", "empty interpreter version", ValidationLevelError)
			continue
		}
		if seen[version] {
			result.AddError("global", "python", fmt.Sprintf("duplicate interpreter version: %s", version), ValidationLevelWarning)
		}
		seen[version] = true
	}

	validatePatterns("global", config.Global.VersionBadPatterns, result)
}

func (v *ConfigValidator) validateProjects(config *types.Config, result *ValidationResult) {
	names := make(map[string]bool, len(config.Projects))

	for _, p := range config.Projects {
		name := p.Name
		if strings.TrimSpace(name) == "" {
			result.AddError("projects", "name", "project name is required", ValidationLevelError)
			continue
		}
		if names[name] {
			result.AddError(name, "name", "duplicate project name", ValidationLevelError)
		}
		names[name] = true

		if strings.ContainsAny(name, " \t/") {
			result.AddError(name, "name", "project name cannot contain spaces or slashes", ValidationLevelError)
		}

		if p.Undeclared {
			result.AddError(name, "requires", "project entry is null; declare at least `requires: []`", ValidationLevelError)
			continue
		}

		if p.HasConstraint() {
			if _, err := specifier.ParseSet(p.BuildVersions); err != nil {
				result.AddError(name, "build_versions", fmt.Sprintf("no tag can match: %v", err), ValidationLevelWarning)
			}
			if config.LatestFor(p) && config.Precedence() == types.LatestCompose {
				result.AddError(name, "build_versions",
					"only the nearest tag is considered and it is skipped when the constraint rejects it",
					ValidationLevelInfo)
			}
		}

		for _, req := range p.Requires {
			if strings.TrimSpace(req) == "" {
				result.AddError(name, "requires", "empty dependency", ValidationLevelError)
			}
		}

		validatePatterns(name, p.VersionBadPatterns, result)
	}
}

func validatePatterns(subject string, patterns []string, result *ValidationResult) {
	for _, p := range patterns {
		if p == "" {
			result.AddError(subject, "version_bad_patterns", "empty pattern is ignored", ValidationLevelWarning)
		}
	}
}

func (v *ConfigValidator) validateOutput(config *types.Config, result *ValidationResult) {
	if config.Output == "" {
		return
	}

	path := config.Output
	if !filepath.IsAbs(path) {
		path = filepath.Join(v.workDir, path)
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		result.AddError("config", "output", fmt.Sprintf("not a directory: %s", path), ValidationLevelError)
	}
}
