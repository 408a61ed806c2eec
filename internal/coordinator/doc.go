// Package coordinator holds the coordinator's view of its participants: the
// Client record and its lifecycle state machine, the Registry that indexes
// clients by provided and assigned id, the Acceptor that turns inbound TCP
// connections into clients, and the HealthMonitor that watches worker
// heartbeats.
//
// # Overview
//
// A participant opens a command channel to the coordinator's listen port and
// sends its 8-byte id. The Acceptor reads the id and either creates a new
// Client (state Unregistered) or, if the id is already known, hands the new
// connection to the worker that owns the existing client.
//
//	participant ──TCP──► Acceptor ──► Registry.Insert ──► Dispatcher.Wake(shard)
//	                         │
//	                         └─ known id ──► Dispatcher.Attach(client, conn)
//
// # Lifecycle
//
//	              register             disconnect
//	Unregistered ─────────► Connected ───────────► Disconnected
//	      ▲                     │  ▲                    │
//	      │    deregister       │  └──── reconnect ─────┘
//	      └─────────────────────┴───────────────────────┘
//
// The owning worker is the only writer of a Client. State and the delivery
// watermark are atomics so the admin API and the health monitor can read them
// from any goroutine.
//
// # Sharding
//
// Assigned ids start at 1 and grow monotonically. A client belongs to shard
// assignedID mod N for the lifetime of the process; the Registry keeps one map
// per shard so a worker visits only its own clients.
//
// # Health
//
// Workers publish a heartbeat at the start of every cycle. The HealthMonitor
// fails a check when the heartbeat is older than the stall threshold and marks
// the worker stalled after three consecutive failures, typically because the
// worker is blocked in a message-channel handshake.
package coordinator
