// Package config loads and validates pipeline.yaml definitions.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"pipelines/pkg/definition"
)

// Defaults mirror the original .NET Playwright pipeline.
const (
	DefaultImage      = "mcr.microsoft.com/playwright/dotnet:v1.47.0-jammy@sha256:57228e0751b744c58ba2cd829906cb5cd560cdb8825ec3cab430717339350295"
	DefaultEngine     = "dagger"
	DefaultWorkdir    = "/src"
	DefaultCacheName  = "nuget-cache"
	DefaultCachePath  = "/src/.nuget-cache"
	DefaultResultsDir = "/out"
	DefaultSource     = "./Test"
	DefaultOutputDir  = "./output"
	EnvPrefix         = "PIPELINES"
)

// FileNames are searched in the working directory when no file is given.
var FileNames = []string{"pipeline.yaml", "pipeline.yml"}

// ErrNotFound is returned when an explicitly requested file does not exist.
var ErrNotFound = errors.New("pipeline file not found")

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("duration", validateDuration); err != nil {
		panic(err)
	}
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("apiVersion", "v1")
	v.SetDefault("kind", "Pipeline")
	v.SetDefault("metadata.name", "pipelines")
	v.SetDefault("spec.engine", DefaultEngine)
	v.SetDefault("spec.image", DefaultImage)
	v.SetDefault("spec.workdir", DefaultWorkdir)
	v.SetDefault("spec.timeout", "")
	v.SetDefault("spec.source.path", DefaultSource)
	v.SetDefault("spec.cache.name", DefaultCacheName)
	v.SetDefault("spec.cache.path", DefaultCachePath)
	v.SetDefault("spec.restore.command", []string{"dotnet", "restore", "--packages", ".nuget-cache"})
	v.SetDefault("spec.test.command", []string{
		"dotnet", "test",
		"-c", "Release",
		"--no-restore",
		"--results-directory", DefaultResultsDir,
		"--logger", "trx",
	})
	v.SetDefault("spec.test.resultsDir", DefaultResultsDir)
	v.SetDefault("spec.output.dir", DefaultOutputDir)
}

// Load reads the pipeline definition at filePath. With an empty filePath the
// working directory is searched for FileNames; if none exists the built-in
// defaults are used. PIPELINES_* environment variables override file values,
// e.g. PIPELINES_SPEC_ENGINE=docker.
func Load(filePath string) (*definition.Definition, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath == "" {
		filePath = discover()
	} else if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
	}

	if filePath != "" {
		v.SetConfigFile(filePath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
			}
			return nil, fmt.Errorf("failed to read pipeline file: %w", err)
		}
	}

	var def definition.Definition
	if err := v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file - malformed YAML: %w", err)
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func discover() string {
	for _, name := range FileNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Overrides are command-line values applied on top of a loaded definition.
type Overrides struct {
	Source string
	Output string
	Engine string
}

// Apply sets every non-empty override on def and validates the result.
func (o Overrides) Apply(def *definition.Definition) error {
	if o.Source != "" {
		def.Spec.Source.Path = o.Source
	}
	if o.Output != "" {
		def.Spec.Output.Dir = o.Output
	}
	if o.Engine != "" {
		def.Spec.Engine = o.Engine
	}
	return Validate(def)
}

// Validate checks def against its struct tags.
func Validate(def *definition.Definition) error {
	if err := validate.Struct(def); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// Timeout returns the configured run timeout, or 0 when none is set.
func Timeout(def *definition.Definition) time.Duration {
	if def.Spec.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(def.Spec.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, e := range validationErrors {
			errorMessages = append(errorMessages, formatFieldError(e))
		}

		if len(errorMessages) == 1 {
			return fmt.Errorf("validation error: %s", errorMessages[0])
		}

		var b strings.Builder
		b.WriteString("validation errors:\n")
		for _, msg := range errorMessages {
			b.WriteString("  - " + msg + "\n")
		}
		return errors.New(b.String())
	}
	return fmt.Errorf("validation failed: %w", err)
}

// formatFieldError formats a single validation error into a user-friendly message.
func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required but missing", field)
	case "eq":
		return fmt.Sprintf("field '%s' must be '%s'", field, e.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", field)
	case "startswith":
		return fmt.Sprintf("field '%s' must start with '%s'", field, e.Param())
	case "min":
		return fmt.Sprintf("field '%s' must have at least %s element(s)", field, e.Param())
	case "duration":
		return fmt.Sprintf("field '%s' must be a positive duration such as 30m", field)
	default:
		return fmt.Sprintf("field '%s' failed validation (%s)", field, e.Tag())
	}
}
