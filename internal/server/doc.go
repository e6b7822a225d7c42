// Package server hosts the Fiber HTTP service that fronts the cache manager:
// request-id middleware, panic recovery, the `/-/` diagnostics bypass, and the
// shared upstream HTTP client. The proxy package plugs its interception
// handler in through ProxyHandler; diagnostics routes register themselves on
// the returned app. Keep exports narrow and accept explicit dependencies.
package server
