// Package worker implements the offline asset cache interceptor: the three
// lifecycle hooks of a service worker expressed as plain methods.
//
//   - Install opens the bucket named after the cache version and fills it with
//     the asset manifest, all or nothing.
//   - Activate deletes every bucket whose name is not the current version.
//   - Fetch answers GET requests for static assets cache-first, falling back to
//     the network and persisting network responses in a detached goroutine.
//     Non-GET requests and API traffic are declined with ErrNotIntercepted.
//   - Retire stops a replaced worker from touching its bucket while its
//     in-flight fetches finish.
//
// The package never talks HTTP to clients itself; callers hand it
// *http.Request values and a Fetcher that reaches the real network.
package worker
