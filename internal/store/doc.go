// Package store persists sessions, chunks, and derived events in SQLite and
// is the single source of truth for chunk and session status. The job queue
// and the detector-state KV share its database handle.
package store
