// Package cascade is the Cascade Engine: it detects commits that touch
// configured core files, asks the Auditor oracle to decompose the blast
// radius into disjoint repair jobs, and dispatches those jobs as parallel
// sessions under the lock discipline. Disjointness, the confidence floor,
// and the parallelism cap are enforced here regardless of what the oracle
// returns.
package cascade
