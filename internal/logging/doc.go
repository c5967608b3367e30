// Package logging builds the slog loggers used by the daemon and CLI and
// provides shared attribute helpers and field name constants.
package logging
