// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth authorization server.
//
// Counters and histograms cover the HTTP surface (request totals and
// latency), the OAuth flows (authorization started, code exchanged, token
// refreshed and revoked, client registered), security signals (rate limit
// violations, PKCE failures, code and token reuse detections), and storage
// operations. Providers default to no-op, so an application that never
// configures exporters pays nothing; real providers are installed with
// SetProviders.
package instrumentation
