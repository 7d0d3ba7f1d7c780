// Package store is the Registry Store: the control plane's single
// transactional source of truth for goals, sessions, file locks, and
// cascades.
//
// It is backed by Postgres through jackc/pgx/v5, with schema migrations
// applied on startup via golang-migrate/migrate/v4 from the embedded
// migrations directory. The connection pool is configured with
// pgx.QueryExecModeDescribeExec rather than the pgx default
// (QueryExecModeCacheStatement): the cache-statement mode keeps a prepared
// plan alive across a schema migration and starts failing with "cached plan
// must not change result type" once one runs against a live pool, which is
// exactly the situation a control plane that migrates its own schema on
// deploy needs to avoid.
//
// All multi-statement invariants (lock acquisition uniqueness, criterion
// merge-under-lock, cascade dispatch bookkeeping) run inside inTx, which
// retries on Postgres serialization failures (SQLSTATE 40001) with
// cenkalti/backoff/v4 and otherwise passes the error straight through,
// including unique-violation (23505) errors, which callers translate into
// apierr.ConflictError.
package store
