// Package daemon wires the pipeline components together and supervises the
// background workers. It enforces single-instance execution with a lock file,
// runs the job lanes, and prunes expired detector state.
package daemon
