// SPDX-License-Identifier: MPL-2.0

// Package config handles remexec configuration using Viper with CUE as the
// file format.
//
// Configuration is read from config.cue in the platform config directory
// (or the current directory, or an explicit --config path), validated against
// the embedded #Config schema (config_schema.cue), merged over the built-in
// defaults and finally overridden by REMEXEC_* environment variables such as
// REMEXEC_AGENT_TOKEN or REMEXEC_CLIENT_SERVER_URL.
package config
