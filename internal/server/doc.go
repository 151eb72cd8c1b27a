// Package server hosts the Fiber HTTP service and the upstream plumbing that
// the offline interceptor relies on: the request-id middleware, the shared
// upstream http.Client, the network fetcher that resolves origin-relative
// requests against the configured Upstream, and the storage backend factory.
// Keep exports narrow and accept explicit dependencies so tests can swap the
// proxy handler or the storage backend.
package server
