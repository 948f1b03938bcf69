// Package server binds the API key service to HTTP with gin.
//
// Authenticate resolves the caller's key from the X-API-Key header (or an
// Authorization: Bearer token) and stores it in the gin context.
// RequirePermission then checks a scope through the authorization gate.
// Failures map to JSON errors:
//
//	401  missing, unknown, revoked or expired key
//	429  quota exhausted, with a Retry-After header in seconds
//	403  key lacks the required permission
//
// Routes:
//
//	GET    /healthz        liveness
//	GET    /readyz         readiness
//	GET    /metrics        Prometheus metrics
//	GET    /v1/whoami      the calling key (read permission)
//	GET    /v1/keys        masked key list (admin permission)
//	POST   /v1/keys        create a key, the token is returned once (admin)
//	DELETE /v1/keys/:id    revoke a key (admin)
package server
