// Package cache defines the versioned bucket storage that backs the offline
// interceptor. A Storage holds named buckets; each Bucket maps a request key
// (method + origin-relative URL) to a stored response (status, headers, body).
// Three backends share the same semantics: a disk layout under
// StoragePath/<bucket>/<METHOD>/<path>.{body,meta} written via temp file +
// rename, an in-process map used by tests and ephemeral deployments, and a
// Redis layout with one hash per bucket plus a set of bucket names.
package cache
