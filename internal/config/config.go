// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/invowk/remexec/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "remexec"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. REMEXEC_AGENT_TOKEN.
	EnvPrefix = "REMEXEC"

	maxConfigFileSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// Schema returns the CUE schema configuration files are validated against.
func Schema() string { return configSchema }

// ConfigDir returns the remexec configuration directory: %APPDATA% on
// Windows, ~/Library/Application Support on macOS and $XDG_CONFIG_HOME
// (default ~/.config) elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "windows":
		dir = os.Getenv("APPDATA")
		if dir == "" {
			dir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, "Library", "Application Support")
	default:
		dir = os.Getenv("XDG_CONFIG_HOME")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(dir, AppName), nil
}

func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolvePath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Compare it with the output of 'remexec config show'").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Check " + EnvPrefix + "_* environment variables for overrides").
			Wrap(err).
			BuildError()
	}
	return &cfg, path, nil
}

// resolvePath returns the file to load, or "" when only defaults apply.
// An explicit path must exist; the default locations are optional.
func resolvePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Run 'remexec config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	name := ConfigFileName + "." + ConfigFileExt
	for _, candidate := range []string{filepath.Join(dir, name), name} {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("agent.listen_address", d.Agent.ListenAddress)
	v.SetDefault("agent.token", d.Agent.Token)
	v.SetDefault("agent.workspace_root", d.Agent.WorkspaceRoot)
	v.SetDefault("agent.max_wait_for_finish", d.Agent.MaxWaitForFinish)
	v.SetDefault("agent.shutdown_timeout", d.Agent.ShutdownTimeout)
	v.SetDefault("backends.native.enabled", d.Backends.Native.Enabled)
	v.SetDefault("backends.native.shell", d.Backends.Native.Shell)
	v.SetDefault("backends.virtual.enabled", d.Backends.Virtual.Enabled)
	v.SetDefault("backends.pod.enabled", d.Backends.Pod.Enabled)
	v.SetDefault("kubernetes.namespace", d.Kubernetes.Namespace)
	v.SetDefault("kubernetes.service_account", d.Kubernetes.ServiceAccount)
	v.SetDefault("kubernetes.kubeconfig", d.Kubernetes.Kubeconfig)
	v.SetDefault("kubernetes.default_image", d.Kubernetes.DefaultImage)
	v.SetDefault("kubernetes.poll_interval", d.Kubernetes.PollInterval)
	v.SetDefault("kubernetes.retry_delay", d.Kubernetes.RetryDelay)
	v.SetDefault("client.server_url", d.Client.ServerURL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.retries_enabled", d.Client.RetriesEnabled)
	v.SetDefault("client.retry_duration", d.Client.RetryDuration)
	v.SetDefault("client.attempt_timeout", d.Client.AttemptTimeout)
	v.SetDefault("client.abandon_complete_script_after", d.Client.AbandonCompleteScriptAfter)
	v.SetDefault("client.wait_for_finish", d.Client.WaitForFinish)
	v.SetDefault("client.disable_v3", d.Client.DisableV3)
	v.SetDefault("client.disable_v2", d.Client.DisableV2)
	v.SetDefault("client.poll.initial_delay", d.Client.Poll.InitialDelay)
	v.SetDefault("client.poll.multiplier", d.Client.Poll.Multiplier)
	v.SetDefault("client.poll.max_delay", d.Client.Poll.MaxDelay)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", string(d.Log.Format))
}

// loadCUEIntoViper validates the file at path against #Config and merges it
// into v. Fields are optional, so validation is not concrete.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes", path, len(data), maxConfigFileSize)
	}

	cctx := cuecontext.New()
	schemaValue := cctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}
	userValue := cctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GenerateCUE renders cfg as a config file that validates against the schema.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&sb, format, args...) }
	dur := func(d time.Duration) string { return fmt.Sprintf("%q", d.String()) }

	sb.WriteString("// remexec configuration\n\n")

	w("agent: {\n")
	w("\tlisten_address:      %q\n", cfg.Agent.ListenAddress)
	w("\ttoken:               %q\n", cfg.Agent.Token)
	w("\tworkspace_root:      %q\n", cfg.Agent.WorkspaceRoot)
	w("\tmax_wait_for_finish: %s\n", dur(cfg.Agent.MaxWaitForFinish))
	w("\tshutdown_timeout:    %s\n", dur(cfg.Agent.ShutdownTimeout))
	w("}\n\n")

	w("backends: {\n")
	w("\tnative: {enabled: %v, shell: %q}\n", cfg.Backends.Native.Enabled, cfg.Backends.Native.Shell)
	w("\tvirtual: {enabled: %v}\n", cfg.Backends.Virtual.Enabled)
	w("\tpod: {enabled: %v}\n", cfg.Backends.Pod.Enabled)
	w("}\n\n")

	w("kubernetes: {\n")
	w("\tnamespace:       %q\n", cfg.Kubernetes.Namespace)
	w("\tservice_account: %q\n", cfg.Kubernetes.ServiceAccount)
	w("\tkubeconfig:      %q\n", cfg.Kubernetes.Kubeconfig)
	w("\tdefault_image:   %q\n", cfg.Kubernetes.DefaultImage)
	w("\tpoll_interval:   %s\n", dur(cfg.Kubernetes.PollInterval))
	w("\tretry_delay:     %s\n", dur(cfg.Kubernetes.RetryDelay))
	w("}\n\n")

	w("client: {\n")
	w("\tserver_url:                    %q\n", cfg.Client.ServerURL)
	w("\ttoken:                         %q\n", cfg.Client.Token)
	w("\tretries_enabled:               %v\n", cfg.Client.RetriesEnabled)
	w("\tretry_duration:                %s\n", dur(cfg.Client.RetryDuration))
	w("\tattempt_timeout:               %s\n", dur(cfg.Client.AttemptTimeout))
	w("\tabandon_complete_script_after: %s\n", dur(cfg.Client.AbandonCompleteScriptAfter))
	w("\twait_for_finish:               %s\n", dur(cfg.Client.WaitForFinish))
	w("\tdisable_v3:                    %v\n", cfg.Client.DisableV3)
	w("\tdisable_v2:                    %v\n", cfg.Client.DisableV2)
	w("\tpoll: {\n")
	w("\t\tinitial_delay: %s\n", dur(cfg.Client.Poll.InitialDelay))
	w("\t\tmultiplier:    %g\n", cfg.Client.Poll.Multiplier)
	w("\t\tmax_delay:     %s\n", dur(cfg.Client.Poll.MaxDelay))
	w("\t}\n")
	w("}\n\n")

	w("log: {\n")
	w("\tlevel:  %q\n", cfg.Log.Level)
	w("\tformat: %q\n", cfg.Log.Format)
	w("}\n")

	return sb.String()
}
