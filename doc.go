// Package gridlink implements the peer layer of a clustered compute system:
// interned peer identities with dense unique indices, a bounded pool of
// reusable bulk connections per peer, a batching prioritized per-peer
// message sender with retry, and a per-peer task ledger that guarantees
// at-most-once execution of remote calls despite at-least-once delivery.
//
// Cluster membership decisions, payload serialization, heartbeating and
// transport security are external collaborators reached through the narrow
// Dialer and Deferrer interfaces and the Config liveness knobs.
package gridlink
