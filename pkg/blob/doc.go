/*
Package blob provides a uniform object-store capability set over
S3-compatible services, Azure Blob Storage, the local filesystem, and an
in-memory store for tests.

All adapters share one failure taxonomy (NotFound, PermissionDenied,
TransientBackend, PermanentBackend, Integrity), report SHA-256 checksums on
write, fully overwrite on put, and treat delete as idempotent.
*/
package blob
