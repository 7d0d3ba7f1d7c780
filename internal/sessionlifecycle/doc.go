// Package sessionlifecycle is the Session Lifecycle state machine: the
// shared substrate every other component drives sessions
// through. It owns the queued → executing → verifying → completed/failed
// transition table, primary-CI-pipeline classification, duplicate-commit
// suppression, and Agent Provider polling reconciliation.
//
// It does not call the Auditor oracle or VCS Provider itself; that is
// internal/review's job, orchestrating steps that end in a call to one of
// this package's terminal-transition methods.
package sessionlifecycle
