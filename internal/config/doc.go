// Package config loads, validates, and normalizes the TOML configuration
// shared by the vigil daemon and CLI.
package config
