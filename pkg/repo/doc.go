/*
Package repo provides typed access to the document-store collections behind
every logical collection: {X}_head, {X}_ver, {X}_counter and {X}_locks, plus
the process-wide fallback queue and dead-letter collections.

The Store interface is implemented by MongoStore for production and MemStore
for tests. Indexes are ensured idempotently on first use; the collection
counter is incremented with an atomic find-and-modify; lock inserts rely on
the unique itemId index as the deployment-wide serialization primitive.
*/
package repo
