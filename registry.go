package gridlink

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/gridlink/internal/mathutil"
)

// Registry is the process-wide peer directory: it interns PeerKeys so one
// logical peer maps to one Peer object, hands out dense unique indices, and
// runs the client refresh/removal protocol. Construct one per process and
// pass it explicitly; there is no hidden global.
type Registry struct {
	cfg      Config
	dial     Dialer
	deferrer Deferrer
	log      *slog.Logger

	selfTS Timestamp
	bufs   *bufPool

	peers sync.Map // PeerKey -> *Peer

	// Index bookkeeping. nextIndex only moves under idxMu (growth and
	// assignment are one critical section) but the array itself is read
	// lock-free through the atomic pointer.
	idxMu     sync.Mutex
	nextIndex int32
	byIndex   atomic.Pointer[[]*Peer]

	formed    atomic.Bool // cluster formation gate
	openConns atomic.Int64
}

// NewRegistry builds the peer directory. dial, deferrer and log may be nil;
// production defaults are substituted (TCP dialer, timer deferral,
// slog.Default).
func NewRegistry(cfg Config, dial Dialer, deferrer Deferrer, log *slog.Logger) *Registry {
	cfg.FillDefaults()
	if dial == nil {
		dial = &NetDialer{}
	}
	if deferrer == nil {
		deferrer = AfterFuncDeferrer{}
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		cfg:      cfg,
		dial:     dial,
		deferrer: deferrer,
		log:      log,
		selfTS:   NowTimestamp(cfg.ClientMode),
		bufs:     newBufPool([]int{4 << 10, cfg.BatchBufferSize}),
	}
	initial := make([]*Peer, 8)
	r.byIndex.Store(&initial)
	return r
}

// SelfTimestamp is the boot timestamp this process advertises in preambles.
func (r *Registry) SelfTimestamp() Timestamp { return r.selfTS }

// OpenConns reports the process-wide count of live pooled connections.
func (r *Registry) OpenConns() int64 { return r.openConns.Load() }

// MarkFormationComplete flips the formation gate. Before it, send failures
// are expected (peers still booting) and logged only after long persistence;
// after it, they are logged at the normal throttled rate.
func (r *Registry) MarkFormationComplete() { r.formed.Store(true) }

// FormationComplete reports the gate.
func (r *Registry) FormationComplete() bool { return r.formed.Load() }

// Resolve interns key and returns its Peer, creating one on first sight.
// ts is the peer's advertised boot timestamp (zero if unknown); a client
// timestamp differing from the stored one triggers the refresh protocol.
//
// Concurrent first resolutions of the same key race benignly: exactly one
// construction wins, the loser's sender is stopped without ever sending and
// its object is discarded.
func (r *Registry) Resolve(key PeerKey, ts Timestamp) *Peer {
	if v, ok := r.peers.Load(key); ok {
		p := v.(*Peer)
		r.observeTimestamp(p, ts)
		return p
	}
	p := r.newPeer(key, ts)
	if v, loaded := r.peers.LoadOrStore(key, p); loaded {
		p.sender.Load().Stop()
		winner := v.(*Peer)
		r.observeTimestamp(winner, ts)
		return winner
	}
	r.assignIndex(p)
	return p
}

// Interned returns the currently registered Peer for key, nil if none.
func (r *Registry) Interned(key PeerKey) *Peer {
	if v, ok := r.peers.Load(key); ok {
		return v.(*Peer)
	}
	return nil
}

// ByIndex returns the Peer holding the given unique index, nil if the index
// was never assigned. Lock-free.
func (r *Registry) ByIndex(i int32) *Peer {
	idx := *r.byIndex.Load()
	if i < 0 || int(i) >= len(idx) {
		return nil
	}
	return idx[i]
}

// Size counts the currently registered peers.
func (r *Registry) Size() int {
	n := 0
	r.peers.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Remove unregisters p. It succeeds only if the exact object is still
// registered, so a stale handle cannot undo a superseding reconnect. The
// sender keeps draining for the grace period before being stopped.
func (r *Registry) Remove(p *Peer) bool {
	if !r.peers.CompareAndDelete(p.key, p) {
		return false
	}
	p.removed.Store(true)
	if s := p.sender.Load(); s != nil {
		s.StopAfter(r.cfg.gracePeriod())
	}
	r.log.Info("peer removed from cluster view",
		"peer", p.key.String(), "index", p.index, "client", p.IsClient())
	return true
}

// Clients returns every registered peer currently flagged as a client.
// Linear scan; membership is small relative to message volume.
func (r *Registry) Clients() []*Peer {
	var out []*Peer
	r.peers.Range(func(_, v any) bool {
		if p := v.(*Peer); p.IsClient() {
			out = append(out, p)
		}
		return true
	})
	return out
}

// ClientByAddress finds a registered client by bare IP address (any port).
func (r *Registry) ClientByAddress(addr string) *Peer {
	var found *Peer
	r.peers.Range(func(_, v any) bool {
		p := v.(*Peer)
		if p.IsClient() && p.key.Addr().String() == addr {
			found = p
			return false
		}
		return true
	})
	return found
}

// observeTimestamp folds a newly advertised timestamp into an existing peer.
// Non-client timestamps are recorded on first sight only; a client timestamp
// that differs from the stored one means the client rebooted and needs a
// fresh sender.
func (r *Registry) observeTimestamp(p *Peer, ts Timestamp) {
	if ts == 0 || ts == p.Timestamp() {
		return
	}
	if !ts.IsClient() {
		p.timestamp.CompareAndSwap(0, uint32(ts))
		return
	}
	r.refreshClient(p, ts)
}

// refreshClient runs the client reconnect protocol: start the replacement
// sender before retiring the old one, so the peer is never briefly unable
// to send. The old sender is stopped immediately when it belonged to a
// previous client incarnation (its identity is void, queued messages are
// droppable) but gets the full grace period when the peer is only now being
// classified as a client (messages queued before classification must not
// be lost).
func (r *Registry) refreshClient(p *Peer, ts Timestamp) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	old := p.Timestamp()
	if old == ts {
		return // lost a refresh race; the other caller did the work
	}
	fresh := r.newSender(p.key)
	fresh.start()
	prev := p.sender.Swap(fresh)
	p.timestamp.Store(uint32(ts))

	if prev != nil {
		if old.IsClient() {
			prev.Stop()
		} else {
			prev.StopAfter(r.cfg.gracePeriod())
		}
	}
	r.log.Info("client peer refreshed",
		"peer", p.key.String(), "old_ts", uint16(old), "new_ts", uint16(ts))
}

func (r *Registry) newPeer(key PeerKey, ts Timestamp) *Peer {
	p := &Peer{
		key:    key,
		reg:    r,
		pool:   newSocketPool(key, r.dial, &r.cfg, r.selfTS, &r.openConns),
		ledger: NewTaskLedger(r.cfg.AnswerRetryDelay),
	}
	p.timestamp.Store(uint32(ts))
	s := r.newSender(key)
	s.start()
	p.sender.Store(s)
	return p
}

func (r *Registry) newSender(key PeerKey) *MessageSender {
	return newMessageSender(key, &r.cfg, r.dial, r.selfTS,
		r.deferrer, r.formed.Load, r.log, r.bufs)
}

// assignIndex gives p the next unique index and publishes it in the index
// array, doubling the array (copy-on-write) when the index outgrows it.
func (r *Registry) assignIndex(p *Peer) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	r.nextIndex++
	p.index = r.nextIndex

	cur := *r.byIndex.Load()
	if int(p.index) >= len(cur) {
		grown := make([]*Peer, mathutil.NextPowerOf2(int(p.index)+1))
		copy(grown, cur)
		cur = grown
	} else {
		// Copy even without growth: readers hold the old slice and must
		// never observe a write into it.
		clone := make([]*Peer, len(cur))
		copy(clone, cur)
		cur = clone
	}
	cur[p.index] = p
	r.byIndex.Store(&cur)
}
