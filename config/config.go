// Package config loads relay settings from YAML. Settings live in
// relay.yaml under the directory resolved by the paths package, and
// every field is optional: gaps are filled from Default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay-core/manager"
	"github.com/zhubert/relay-core/paths"
	"github.com/zhubert/relay-core/stream"
	"github.com/zhubert/relay-core/wire"
	"github.com/zhubert/relay-core/worker"
)

// Settings is the top-level relay configuration.
type Settings struct {
	// AskTimeout bounds how long a manager waits for a response.
	AskTimeout *Duration `yaml:"ask_timeout,omitempty"`

	// HaltTimeout bounds how long a manager waits for a worker to stop
	// before terminating it.
	HaltTimeout *Duration `yaml:"halt_timeout,omitempty"`

	// QueueDepth sizes each worker's channels.
	QueueDepth int `yaml:"queue_depth,omitempty"`

	// StreamDepth sizes the output multiplexer's queue.
	StreamDepth int `yaml:"stream_depth,omitempty"`

	// MirrorAfter is how long the multiplexer may go undrained before
	// writers mirror their output straight to the console.
	MirrorAfter *Duration `yaml:"mirror_after,omitempty"`

	// OnFailure selects what a serving worker does after a handler
	// failure, "resume" or "fail_fast".
	OnFailure string `yaml:"on_failure,omitempty"`

	// Debug turns on debug-level logging.
	Debug bool `yaml:"debug,omitempty"`
}

// Duration is a wrapper around time.Duration that implements YAML
// unmarshaling from human-readable strings like "2s", "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns settings matching the packages' own fallbacks.
func Default() *Settings {
	return &Settings{
		AskTimeout:  &Duration{manager.DefaultAskTimeout},
		HaltTimeout: &Duration{manager.DefaultHaltTimeout},
		QueueDepth:  wire.DefaultDepth,
		StreamDepth: stream.DefaultDepth,
		MirrorAfter: &Duration{stream.DefaultMirrorAfter},
		OnFailure:   worker.Resume.String(),
	}
}

// Load reads and parses the settings file at path.
// Returns nil, nil if the file does not exist.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return &s, nil
}

// LoadAndMerge loads the settings file and fills gaps with defaults.
// An empty path means the standard location; a missing file yields the
// defaults unchanged.
func LoadAndMerge(path string) (*Settings, error) {
	if path == "" {
		fp, err := paths.SettingsFilePath()
		if err != nil {
			return nil, err
		}
		path = fp
	}

	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return Default(), nil
	}
	return Merge(s, Default()), nil
}

// Merge overlays partial onto defaults. Fields set in partial win; unset
// fields fall back to the corresponding default.
func Merge(partial, defaults *Settings) *Settings {
	result := *partial

	if result.AskTimeout == nil {
		result.AskTimeout = defaults.AskTimeout
	}
	if result.HaltTimeout == nil {
		result.HaltTimeout = defaults.HaltTimeout
	}
	if result.QueueDepth == 0 {
		result.QueueDepth = defaults.QueueDepth
	}
	if result.StreamDepth == 0 {
		result.StreamDepth = defaults.StreamDepth
	}
	if result.MirrorAfter == nil {
		result.MirrorAfter = defaults.MirrorAfter
	}
	if result.OnFailure == "" {
		result.OnFailure = defaults.OnFailure
	}
	return &result
}

// Save writes the settings to path, creating the parent directory.
// An empty path means the standard location.
func Save(s *Settings, path string) error {
	if path == "" {
		fp, err := paths.SettingsFilePath()
		if err != nil {
			return err
		}
		path = fp
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Policy returns the configured failure policy, Resume when unset or
// unrecognized. Validate reports the unrecognized case.
func (s *Settings) Policy() worker.FailurePolicy {
	p, _ := worker.ParsePolicy(s.OnFailure)
	return p
}

// ValidationError describes a single settings problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks settings for problems and returns all of them.
func Validate(s *Settings) []ValidationError {
	var errs []ValidationError

	if s.AskTimeout != nil && s.AskTimeout.Duration <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ask_timeout",
			Message: "must be positive",
		})
	}
	if s.HaltTimeout != nil && s.HaltTimeout.Duration <= 0 {
		errs = append(errs, ValidationError{
			Field:   "halt_timeout",
			Message: "must be positive",
		})
	}
	if s.QueueDepth < 0 {
		errs = append(errs, ValidationError{
			Field:   "queue_depth",
			Message: "must not be negative",
		})
	}
	if s.StreamDepth < 0 {
		errs = append(errs, ValidationError{
			Field:   "stream_depth",
			Message: "must not be negative",
		})
	}
	if s.MirrorAfter != nil && s.MirrorAfter.Duration <= 0 {
		errs = append(errs, ValidationError{
			Field:   "mirror_after",
			Message: "must be positive",
		})
	}
	if s.OnFailure != "" {
		if _, err := worker.ParsePolicy(s.OnFailure); err != nil {
			errs = append(errs, ValidationError{
				Field:   "on_failure",
				Message: err.Error(),
			})
		}
	}
	return errs
}
