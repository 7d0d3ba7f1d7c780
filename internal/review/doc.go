// Package review is the Review & Remediation Loop: every incoming change
// is audited against its goal's acceptance criteria, the verdict is merged
// back onto the goal and posted as a review comment, and a failed review
// (or a failed CI run) spawns a child repair session that inherits its
// parent's lock set. The parent-child chain is a tree bounded by
// types.MaxRemediationDepth; exhaustion drifts the goal.
package review
