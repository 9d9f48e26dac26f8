package gridlink

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConn wraps a pooled duplex connection so the pool can tell a returned
// connection that has been closed from a live one.
type PoolConn struct {
	net.Conn
	dead atomic.Bool
}

// Close marks the connection dead and closes the underlying stream. A dead
// connection returned to the pool becomes an empty slot.
func (c *PoolConn) Close() error {
	c.dead.Store(true)
	return c.Conn.Close()
}

// Alive reports whether Close has been called.
func (c *PoolConn) Alive() bool { return !c.dead.Load() }

// SocketPool keeps a small fixed set of idle reusable bulk connections to
// one peer. Acquire blocks while every slot is claimed; the cap is a
// deliberate ceiling on node-to-node sockets across a large cluster,
// trading a little queuing delay for bounded file descriptors.
//
// openConns is shared across all pools in the process and counts live
// connections outstanding anywhere.
type SocketPool struct {
	key      PeerKey
	dial     Dialer
	selfTS   Timestamp
	selfPort uint16
	waitTick time.Duration
	open     *atomic.Int64 // process-wide live-connection counter

	mu     sync.Mutex
	slots  []*PoolConn // idle connections; nil entries are empty slots
	avail  int         // slots[0:avail] are claimable
	closed bool
	wake   chan struct{}
}

func newSocketPool(key PeerKey, dial Dialer, cfg *Config, selfTS Timestamp, open *atomic.Int64) *SocketPool {
	return &SocketPool{
		key:      key,
		dial:     dial,
		selfTS:   selfTS,
		selfPort: cfg.Port,
		waitTick: cfg.PoolWaitTick,
		open:     open,
		slots:    make([]*PoolConn, cfg.PoolCapacity),
		avail:    cfg.PoolCapacity,
		wake:     make(chan struct{}, 1),
	}
}

// Acquire claims an idle connection, blocking while the pool is saturated.
// A claimed slot holding a dead connection is replaced by a freshly dialed
// one (with the bulk-channel handshake already written).
func (p *SocketPool) Acquire() (*PoolConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.avail > 0 {
			p.avail--
			c := p.slots[p.avail]
			p.slots[p.avail] = nil
			p.mu.Unlock()

			if c != nil {
				if c.Alive() {
					return c, nil
				}
				// Stale leftover: it no longer counts as open.
				p.open.Add(-1)
			}
			return p.dialFresh()
		}
		p.mu.Unlock()

		// All slots claimed: wait for a release, waking periodically to
		// re-check rather than parking forever.
		t := time.NewTimer(p.waitTick)
		select {
		case <-p.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// dialFresh owns one claimed (empty) slot; on failure the slot is handed
// back so the pool's capacity is not leaked.
func (p *SocketPool) dialFresh() (*PoolConn, error) {
	raw, err := p.dial.Dial(p.key)
	if err != nil {
		p.restoreSlot()
		return nil, err
	}
	if err := WritePreamble(raw, ConnTypeBulk, p.selfTS, p.selfPort); err != nil {
		_ = raw.Close()
		p.restoreSlot()
		return nil, err
	}
	p.open.Add(1)
	return &PoolConn{Conn: raw}, nil
}

func (p *SocketPool) restoreSlot() {
	p.mu.Lock()
	p.slots[p.avail] = nil
	p.avail++
	p.mu.Unlock()
	p.wakeOne()
}

// Release returns a connection to the pool. A closed connection becomes an
// empty slot and drops the global counter; either way one blocked waiter
// is woken.
func (p *SocketPool) Release(c *PoolConn) {
	p.mu.Lock()
	if p.avail >= len(p.slots) {
		p.mu.Unlock()
		panic("gridlink: SocketPool.Release without matching Acquire")
	}
	if c != nil && !c.Alive() {
		c = nil
	}
	if c == nil {
		p.open.Add(-1)
	}
	closed := p.closed
	p.slots[p.avail] = c
	p.avail++
	p.mu.Unlock()

	if closed && c != nil {
		_ = c.Close()
		// already counted open; closing after pool shutdown drops it
		p.open.Add(-1)
	}
	p.wakeOne()
}

// Close drops every idle connection and fails all future Acquires.
func (p *SocketPool) Close() {
	p.mu.Lock()
	p.closed = true
	var drop []*PoolConn
	for i := 0; i < p.avail; i++ {
		if c := p.slots[i]; c != nil {
			drop = append(drop, c)
			p.slots[i] = nil
		}
	}
	p.mu.Unlock()

	for _, c := range drop {
		_ = c.Close()
		p.open.Add(-1)
	}
	p.wakeOne()
}

// IdleSlots reports how many slots are currently claimable.
func (p *SocketPool) IdleSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avail
}

func (p *SocketPool) wakeOne() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
