// Package shard runs the coordinator's command-processing workers.
//
// # Overview
//
// The Pool starts one Worker per registry shard. Worker i owns every client
// whose assigned id satisfies assignedID mod N == i and is the only goroutine
// that changes those clients. Other goroutines reach a worker by message
// passing through its inbox:
//
//	log append ──► Pool.fanOut ──► inbox[0..N-1]   (every entry, in log order)
//	acceptor   ──► Pool.Attach ──► inbox[shard]    (new command channel)
//	reader     ──► Pool.Wake   ──► worker wakes    (command frame arrived)
//
// # Worker Cycle
//
// Each cycle a worker:
//
//  1. publishes a heartbeat for the health monitor
//  2. evicts stale entries from the message log
//  3. drains its inbox, writing live messages to its Connected clients
//  4. polls each of its clients for at most one command, without blocking
//
// A cycle that did work is followed immediately by another. Otherwise the
// worker parks until woken or until the idle tick, so eviction still runs on
// a quiet coordinator.
//
// # Commands
//
// Handler implements register, deregister, disconnect, reconnect and msend.
// register and reconnect open a listener on the requested port, send a ready
// token, accept the participant's message channel within the handshake
// timeout and send a final token. The accept blocks the owning worker, and
// with it every other client of the shard, for at most that timeout.
//
// # Delivery
//
// Live fan-out and reconnect replay both skip entries stamped at or before
// the client's delivery watermark and advance it after each write, so a client
// sees every retained message once and in order across reconnects.
package shard
