/*
Package fallback persists failed mutations in the document store and
retries them with exponential backoff and jitter until they succeed or
exhaust their attempts, at which point they move to a dead-letter
collection with their full failure history.

The worker is single-threaded and cancellable: one retry at a time, stop
checked between dispatches. Retry handlers live in the engine and are
idempotent, so a replay of a mutation whose commit already landed reports
success without writing twice.
*/
package fallback
