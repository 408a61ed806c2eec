// Package storage provides the coordinator's message log: the append-only,
// time-ordered, bounded-retention sequence of multicast messages that makes
// reconnect catch-up possible.
//
// # Overview
//
// Every msend appends one Entry. Entries stay in the log for the retention
// window (T_d); a participant that reconnects within that window receives
// every entry stamped after the last message it is known to have received.
//
//	front (oldest)                                   tail (newest)
//	┌──────┬──────┬──────┬──────┬──────┬──────┐
//	│ t=10 │ t=12 │ t=31 │ t=40 │ t=58 │ t=61 │
//	└──────┴──────┴──────┴──────┴──────┴──────┘
//	   ▲ evicted once now - t > T_d        ▲ Append
//
//	Since(31) → [t=40, t=58, t=61]
//
// # Ordering
//
// The log is its own clock. Append, Stamp and Evict share one mutex, and each
// stamp is max(now, previous+1), so stamps are strictly increasing in log
// order even when many workers append at once. Two properties depend on this:
//
//   - Eviction only ever inspects the front entry.
//   - Replay can binary-search for the first entry after a client's last
//     delivered stamp, and "stamped after" is exactly "not yet received".
//
// Stamp hands out a value from the same sequence without appending. The
// coordinator uses it as the delivery watermark of a client that registers,
// which guarantees the client receives every message appended after it and
// none appended before it.
//
// # Retention
//
// An entry is stale when now - stamp > retention. Workers call Evict at the
// top of every cycle, and Since evicts before it reads, so no replay ever
// returns a stale entry.
//
// # Subscribers
//
// Subscribe registers a callback invoked for every appended entry while the
// append lock is held. The worker pool uses it to push each entry to every
// shard inbox in log order.
//
// # Implementations
//
// MemoryLog keeps entries in a slice with a moving head and compacts the
// backing array once enough slots have been evicted. Nothing is persisted;
// a restart loses the log.
package storage
