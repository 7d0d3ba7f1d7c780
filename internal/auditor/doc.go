// Package auditor abstracts the external LLM-backed reviewer behind the
// Oracle interface: per-diff review verdicts for the Review & Remediation
// Loop and blast-radius decomposition for the Cascade Engine. Backends are
// eino chat models (claude, openai, ark) or an external MCP auditor server;
// the engine never sees which one answered.
package auditor
