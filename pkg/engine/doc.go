/*
Package engine drives the write, read and restore state machines over the
router-resolved backend pairs.

Every mutation follows the same shape: validate, acquire the per-item lock,
externalize configured properties, write the snapshot blob, then commit
counter + version record + head in the document store. The blob write comes
first so a failed commit leaves only unreferenced objects, which the saga
compensation deletes; a transient failure may additionally enqueue the
mutation for durable retry.

Restores are append-only pointer flips: a new version record reuses the
target snapshot's blob, so no data is copied. Reads resolve latest, by-ov
and as-of views, and the tiered resolver aggregates generic, domain and
tenant records with optional deep-merge.
*/
package engine
