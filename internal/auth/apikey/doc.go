// Package apikey provides API key authentication for keygate.
//
// This package implements the key store, the validator, the validation
// cache and the bulk loader, wired together by Service.
//
// # Features
//
//   - Opaque "kg_" tokens with 256 bits of randomness and UUIDv7 record IDs
//   - Token and hash indices kept consistent under one lock
//   - Hash algorithms: SHA-256, SHA-512, SHA3-256
//   - Passive expiry and synchronous revocation hooks
//   - Short-TTL validation cache that still enforces the rate limit on hits
//   - Idempotent bulk import of "name:key,..." lists from a secrets provider
//   - Prometheus metrics and OpenTelemetry spans
//
// # Validation
//
// Authenticate runs through the cache when it is enabled:
//
//	svc, err := apikey.NewService(cfg, limiter,
//	    apikey.WithStorage(backend),
//	    apikey.WithSecretsProvider(provider),
//	    apikey.WithServiceLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := svc.Start(ctx); err != nil {
//	    return err
//	}
//	defer svc.Shutdown(ctx)
//
//	key, err := svc.Authenticate(ctx, token)
//	var rl *apikey.RateLimitError
//	switch {
//	case errors.As(err, &rl):
//	    // retry after rl.RetryAfter
//	case err != nil:
//	    // unauthenticated or expired
//	}
//
// # Revocation
//
// Revoke returns after the key is gone from both indices, the cache entry
// is purged and the rate limit state is reset. A validation racing with the
// revocation does not cache its result.
package apikey
