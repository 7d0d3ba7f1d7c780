// Package lock is the Lock Manager: the sole path by which a
// session claims exclusive write access to repository paths.
//
// Acquisition is all-or-nothing and happens atomically with
// session creation, which internal/store enforces with a unique constraint
// on file_locks.path inside a single transaction. This package's job is to
// translate that into the domain operations the rest of the control plane
// calls (Acquire, Transfer, Release, ConflictStatus) and to publish
// eventbus events about conflicts and releases. No package in this module
// subscribes to those events.
package lock
