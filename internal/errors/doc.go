// Package errors provides structured, coded errors for hive.
//
// Every error carries a stable code (e.g. "E112") that maps to a category
// and a short message in the registry. Coded errors compare by code, so a
// sentinel created with New matches any error in a chain with the same code:
//
//	var ErrInvalidTransition = errors.New(errors.CodeInvalidTransition)
//
//	err := errors.New(errors.CodeInvalidTransition).WithSubject("job_01h...")
//	stdErrors.Is(err, ErrInvalidTransition) // true
//
// # Categories
//
//   - extension: plugin and theme loading
//   - storage: job and option persistence
//   - job: job state machine
//   - config: hive.json / hive.yaml
//   - cluster, ipc: supervisor and worker transport
package errors
