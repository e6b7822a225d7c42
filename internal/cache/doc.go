// Package cache defines the bucket store behind the cache manager. A store
// holds named buckets (one per generation and cache class, e.g.
// "erg-pwa-v3-shell"); each bucket maps a request key (URL path plus optional
// query) to a stored response snapshot. Three backends share the contract:
// a filesystem store (temp file + rename per entry), a SQLite store for a
// single-file deployment, and an in-memory store used by tests and ephemeral
// runs. Individual Match/Put calls are atomic; there are no cross-operation
// transactions, and concurrent Puts for one key are last-write-wins.
package cache
