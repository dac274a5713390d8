// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// LogFormatText writes human-readable log lines.
	LogFormatText LogFormat = "text"
	// LogFormatJSON writes one JSON object per log line.
	LogFormatJSON LogFormat = "json"
	// LogFormatLogfmt writes logfmt key=value lines.
	LogFormatLogfmt LogFormat = "logfmt"
)

var (
	// ErrInvalidLogFormat is returned when a LogFormat value is not recognized.
	ErrInvalidLogFormat = errors.New("invalid log format")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// LogFormat selects the log output encoding.
	LogFormat string

	// InvalidLogFormatError is returned when a LogFormat value is not recognized.
	InvalidLogFormatError struct {
		Value LogFormat
	}

	// InvalidConfigError collects the field errors of a Config.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the agent and client configuration.
	Config struct {
		Agent      AgentConfig      `json:"agent" mapstructure:"agent"`
		Backends   BackendsConfig   `json:"backends" mapstructure:"backends"`
		Kubernetes KubernetesConfig `json:"kubernetes" mapstructure:"kubernetes"`
		Client     ClientConfig     `json:"client" mapstructure:"client"`
		Log        LogConfig        `json:"log" mapstructure:"log"`
	}

	// AgentConfig configures the agent server.
	AgentConfig struct {
		ListenAddress string `json:"listen_address" mapstructure:"listen_address"`
		// Token is the bearer token clients must present. Empty disables auth.
		Token         string `json:"token" mapstructure:"token"`
		WorkspaceRoot string `json:"workspace_root" mapstructure:"workspace_root"`
		// MaxWaitForFinish caps how long a start call may be held open.
		MaxWaitForFinish time.Duration `json:"max_wait_for_finish" mapstructure:"max_wait_for_finish"`
		ShutdownTimeout  time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	}

	// BackendsConfig enables execution backends.
	BackendsConfig struct {
		Native  NativeBackendConfig `json:"native" mapstructure:"native"`
		Virtual ToggleConfig        `json:"virtual" mapstructure:"virtual"`
		Pod     ToggleConfig        `json:"pod" mapstructure:"pod"`
	}

	// NativeBackendConfig configures the host shell backend.
	NativeBackendConfig struct {
		Enabled bool   `json:"enabled" mapstructure:"enabled"`
		Shell   string `json:"shell" mapstructure:"shell"`
	}

	// ToggleConfig is a backend with no settings besides being enabled.
	ToggleConfig struct {
		Enabled bool `json:"enabled" mapstructure:"enabled"`
	}

	// KubernetesConfig configures the pod backend.
	KubernetesConfig struct {
		Namespace      string        `json:"namespace" mapstructure:"namespace"`
		ServiceAccount string        `json:"service_account" mapstructure:"service_account"`
		Kubeconfig     string        `json:"kubeconfig" mapstructure:"kubeconfig"`
		DefaultImage   string        `json:"default_image" mapstructure:"default_image"`
		PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
		RetryDelay     time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	}

	// ClientConfig configures the remote caller.
	ClientConfig struct {
		ServerURL                  string        `json:"server_url" mapstructure:"server_url"`
		Token                      string        `json:"token" mapstructure:"token"`
		RetriesEnabled             bool          `json:"retries_enabled" mapstructure:"retries_enabled"`
		RetryDuration              time.Duration `json:"retry_duration" mapstructure:"retry_duration"`
		AttemptTimeout             time.Duration `json:"attempt_timeout" mapstructure:"attempt_timeout"`
		AbandonCompleteScriptAfter time.Duration `json:"abandon_complete_script_after" mapstructure:"abandon_complete_script_after"`
		WaitForFinish              time.Duration `json:"wait_for_finish" mapstructure:"wait_for_finish"`
		DisableV3                  bool          `json:"disable_v3" mapstructure:"disable_v3"`
		DisableV2                  bool          `json:"disable_v2" mapstructure:"disable_v2"`
		Poll                       PollConfig    `json:"poll" mapstructure:"poll"`
	}

	// PollConfig shapes the delay between status polls.
	PollConfig struct {
		InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
		Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
		MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	}

	// LogConfig configures logging.
	LogConfig struct {
		Level  string    `json:"level" mapstructure:"level"`
		Format LogFormat `json:"format" mapstructure:"format"`
	}
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ListenAddress:    "127.0.0.1:8765",
			WorkspaceRoot:    filepath.Join(os.TempDir(), AppName, "work"),
			MaxWaitForFinish: 30 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Backends: BackendsConfig{
			Native:  NativeBackendConfig{Enabled: true},
			Virtual: ToggleConfig{Enabled: true},
			Pod:     ToggleConfig{Enabled: false},
		},
		Kubernetes: KubernetesConfig{
			Namespace:    "default",
			DefaultImage: "busybox:stable",
			PollInterval: time.Second,
			RetryDelay:   250 * time.Millisecond,
		},
		Client: ClientConfig{
			ServerURL:                  "http://127.0.0.1:8765",
			RetriesEnabled:             true,
			RetryDuration:              2 * time.Minute,
			AttemptTimeout:             30 * time.Second,
			AbandonCompleteScriptAfter: time.Minute,
			Poll: PollConfig{
				InitialDelay: 50 * time.Millisecond,
				Multiplier:   1.5,
				MaxDelay:     2 * time.Second,
			},
		},
		Log: LogConfig{Level: "info", Format: LogFormatText},
	}
}

// String returns the format name.
func (f LogFormat) String() string { return string(f) }

// Validate returns nil if f is a known format.
func (f LogFormat) Validate() error {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatLogfmt:
		return nil
	default:
		return &InvalidLogFormatError{Value: f}
	}
}

// Error implements the error interface.
func (e *InvalidLogFormatError) Error() string {
	return fmt.Sprintf("invalid log format %q (valid: text, json, logfmt)", e.Value)
}

// Unwrap returns ErrInvalidLogFormat so callers can use errors.Is for programmatic detection.
func (e *InvalidLogFormatError) Unwrap() error { return ErrInvalidLogFormat }

// Validate checks the values CUE cannot see, such as environment overrides.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.ListenAddress == "" {
		errs = append(errs, errors.New("agent.listen_address must not be empty"))
	}
	if c.Agent.WorkspaceRoot == "" {
		errs = append(errs, errors.New("agent.workspace_root must not be empty"))
	}
	if c.Agent.MaxWaitForFinish < 0 {
		errs = append(errs, fmt.Errorf("agent.max_wait_for_finish must not be negative (got %s)", c.Agent.MaxWaitForFinish))
	}
	if c.Kubernetes.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("kubernetes.poll_interval must be positive (got %s)", c.Kubernetes.PollInterval))
	}
	if c.Client.Poll.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("client.poll.multiplier must be at least 1 (got %g)", c.Client.Poll.Multiplier))
	}
	if c.Client.Poll.InitialDelay <= 0 || c.Client.Poll.MaxDelay < c.Client.Poll.InitialDelay {
		errs = append(errs, fmt.Errorf("client.poll delays must satisfy 0 < initial_delay <= max_delay (got %s, %s)",
			c.Client.Poll.InitialDelay, c.Client.Poll.MaxDelay))
	}
	if err := c.Log.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %v", errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidConfig and the field errors, so errors.Is matches
// both the config-level sentinel and field-level ones.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}
