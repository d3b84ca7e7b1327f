// Package writequeue is the durable FIFO of writes deferred because their
// shard was unreachable.
//
// Invariants:
// - Every mutation rewrites the whole queue file before returning.
// - An item leaves the queue only after a successful replay.
// - At most one drain per shard runs at a time, so an item is replayed at
//   most once per drain pass.
// - Items appended while a drain is running are kept.
package writequeue
