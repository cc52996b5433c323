/*
Package objdb implements a transactional managed-object store: application
code works against an in-memory object graph, reached through name bindings
and references, while every read and write of that graph is folded into a
serializable transaction that is durably logged and replayable underneath.

We implement:

 1. A durable [Store] of object payloads and name bindings, pluggable onto
    different storage backends (Bolt by default, an in-memory backend for
    tests), with pessimistic per-object locking and deadlock detection.

 2. A [ClassesCatalog] assigning small integer ordinals to the class
    descriptors used to serialize managed objects, so payloads never embed
    type names.

 3. A per-transaction [Context] that caches resolved objects, tracks which
    ones were mutated, and detects mutation of objects nobody explicitly
    marked dirty.

 4. [Reference], the lightweight, serializable handle application code holds
    instead of a direct pointer, and [Service], the validated front-end that
    routes application calls to the context of the current transaction.

 5. A [Coordinator] that binds a [Context] to the surrounding transaction,
    joins it to two-phase commit alongside any other participants, and
    retries the whole unit of work when the store reports a conflict.

# Technical details

**Buckets.** Keys are scoped into named buckets the way Bolt supports
natively; the in-memory test backend ([newMemStorage]) simulates the same
scoping over a flat map.

**Binding namespaces.** Application and service-internal name bindings
share one sorted key space, distinguished by the `a.` and `s.` prefixes;
enumeration is a cursor seek within one of the two prefixes.

**Class ordinals.** Like index ordinals in earlier revisions of this
codebase, class ordinals are assigned once, on first encounter, from a
monotonic counter, and are never reused even if the class is later dropped.

**Object payload encoding**: value header (flags byte, class ordinal),
then msgpack- or JSON-encoded object data.
*/
package objdb
