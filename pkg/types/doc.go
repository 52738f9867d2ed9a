/*
Package types defines the shared data model for Chronos-DB: payloads and the
_system envelope, version and head records, transaction locks, fallback
operations, routing contexts, operation results, and the typed failure
taxonomy used across every subsystem.

All entities are plain structs with bson tags; the document store owns head
records and counters exclusively, version records are append-only, and
snapshot blobs are immutable once written.
*/
package types
