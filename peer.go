package gridlink

import (
	"sync"
	"sync/atomic"
	"time"
)

// Peer is the interned in-process representation of one remote node. While
// a key is registered it maps to exactly one Peer object (see
// Registry.Resolve), so identity comparisons on *Peer are meaningful; only
// a removed client that later reconnects gets a fresh object (and index).
type Peer struct {
	key   PeerKey
	index int32 // dense, positive, never reused

	reg       *Registry
	refreshMu sync.Mutex // serializes client sender swaps

	timestamp atomic.Uint32 // Timestamp; zero until the peer introduces itself
	lastHeard atomic.Int64  // unix millis of last inbound traffic
	removed   atomic.Bool   // dropped from the cluster view

	sender atomic.Pointer[MessageSender] // swapped on client reconnect
	pool   *SocketPool
	ledger *TaskLedger
}

// Key returns the peer's immutable network identity.
func (p *Peer) Key() PeerKey { return p.key }

// Index returns the peer's dense unique index. Indices start at 1, grow
// monotonically per process and are never reassigned.
func (p *Peer) Index() int32 { return p.index }

// Timestamp returns the peer's last known boot timestamp (zero = unknown).
func (p *Peer) Timestamp() Timestamp { return Timestamp(p.timestamp.Load()) }

// IsClient reports whether the peer last introduced itself as a client.
func (p *Peer) IsClient() bool { return p.Timestamp().IsClient() }

// Touch records inbound traffic from the peer; drives IsHealthy.
func (p *Peer) Touch() { p.lastHeard.Store(time.Now().UnixMilli()) }

// LastHeardFrom is when the peer was last heard from, zero if never.
func (p *Peer) LastHeardFrom() time.Time {
	ms := p.lastHeard.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// IsHealthy reports whether the peer was heard from recently enough,
// measured against now.
func (p *Peer) IsHealthy(now time.Time) bool {
	ms := p.lastHeard.Load()
	return ms != 0 && now.Sub(time.UnixMilli(ms)) <= p.reg.cfg.HealthyTimeout
}

// RemovedFromCloud reports whether the peer was dropped from the cluster
// view. The object itself stays interned; only delivery effort stops.
func (p *Peer) RemovedFromCloud() bool { return p.removed.Load() }

// Pool returns the peer's bulk-connection pool.
func (p *Peer) Pool() *SocketPool { return p.pool }

// Ledger returns the peer's task ledger.
func (p *Peer) Ledger() *TaskLedger { return p.ledger }

// Sender returns the current message sender, nil if never started.
func (p *Peer) Sender() *MessageSender { return p.sender.Load() }

// Send queues one small message to the peer at the given priority.
//
// For clients the send is routed through the currently interned object for
// the same key: a client that reconnected was given a fresh sender on the
// interned Peer, and a caller still holding this (possibly superseded)
// object must not write into the retired one.
func (p *Peer) Send(payload []byte, priority byte) {
	target := p
	if p.IsClient() {
		if cur := p.reg.Interned(p.key); cur != nil {
			target = cur
		}
	}
	target.mustSender().Send(payload, priority)
}

func (p *Peer) mustSender() *MessageSender {
	s := p.sender.Load()
	if s == nil {
		panic("gridlink: Send on a peer whose sender was never started")
	}
	return s
}
