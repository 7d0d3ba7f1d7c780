// Package server exposes the control plane's HTTP surface: the webhook
// receiver, the cascade and orchestrator endpoints, and the operator CRUD
// routes for goals, sessions, and locks. Authentication here is limited to
// the webhook HMAC; operator identity and inbound rate limiting sit in
// front of this server.
package server
