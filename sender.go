package gridlink

import (
	"container/heap"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// Sender states. Running accepts sends; Stopping has a stop requested and a
// poison entry queued so the blocked worker wakes; Stopped is terminal with
// the connection closed.
const (
	senderRunning int32 = iota
	senderStopping
	senderStopped
)

// outMsg is one queued outbound message. prio is already banded; seq makes
// heap ordering deterministic between equal priorities (the contract allows
// arbitrary tie order, the determinism just keeps behavior reproducible).
type outMsg struct {
	payload []byte
	prio    byte
	seq     uint64
}

// poisonMsg unblocks the worker on stop. Its priority is irrelevant; it is
// recognized by pointer identity, never framed.
var poisonMsg = &outMsg{}

type msgQueue []*outMsg

func (q msgQueue) Len() int { return len(q) }
func (q msgQueue) Less(i, j int) bool {
	if q[i].prio != q[j].prio {
		return q[i].prio > q[j].prio // max-heap: urgent messages first
	}
	return q[i].seq < q[j].seq
}
func (q msgQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *msgQueue) Push(x any)   { *q = append(*q, x.(*outMsg)) }
func (q *msgQueue) Pop() any {
	old := *q
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return m
}

// MessageSender owns the one small-message channel to a peer: a priority
// queue drained by a dedicated worker that batches messages into framed
// writes on a lazily opened connection, retrying forever with capped
// backoff until the bytes land or a stop is requested.
type MessageSender struct {
	key      PeerKey
	cfg      *Config
	dial     Dialer
	selfTS   Timestamp
	deferrer Deferrer
	formed   func() bool // cluster formation gate, controls retry logging
	log      *slog.Logger
	bufs     *bufPool

	state atomic.Int32
	halt  *idem.Halter

	mu   sync.Mutex
	q    msgQueue
	seq  uint64
	wake chan struct{}

	conn net.Conn // worker-owned; nil until first flush
}

func newMessageSender(key PeerKey, cfg *Config, dial Dialer, selfTS Timestamp,
	deferrer Deferrer, formed func() bool, log *slog.Logger, bufs *bufPool) *MessageSender {
	return &MessageSender{
		key:      key,
		cfg:      cfg,
		dial:     dial,
		selfTS:   selfTS,
		deferrer: deferrer,
		formed:   formed,
		log:      log,
		bufs:     bufs,
		halt:     idem.NewHalter(),
		wake:     make(chan struct{}, 1),
	}
}

// start launches the worker. A sender sends nothing until started.
func (s *MessageSender) start() { go s.run() }

// Running reports whether the sender still accepts messages.
func (s *MessageSender) Running() bool { return s.state.Load() == senderRunning }

// Stopped reports terminal state: worker exited, connection closed.
func (s *MessageSender) Stopped() bool { return s.state.Load() == senderStopped }

// Send queues payload at the given priority. Priorities are compressed into
// bands (see Config); the queue drains strictly by banded priority. After a
// stop has been requested the message is dropped and logged: the caller
// holds a retired sender.
func (s *MessageSender) Send(payload []byte, priority byte) {
	if len(payload)+frameOverhead > s.cfg.BatchBufferSize {
		panic(fmt.Sprintf("gridlink: message of %d bytes larger than the batch buffer", len(payload)))
	}
	if s.state.Load() != senderRunning {
		s.log.Error("dropping message: sender is not active anymore",
			"peer", s.key.String(), "bytes", len(payload))
		return
	}
	m := &outMsg{payload: payload, prio: s.band(priority)}
	s.mu.Lock()
	s.seq++
	m.seq = s.seq
	heap.Push(&s.q, m)
	s.mu.Unlock()
	s.wakeOne()
}

// band compresses the raw priority: everything at or above the high floor
// lands in a narrow band just over the mid band, the middle range coalesces
// to one value, and low values pass through.
func (s *MessageSender) band(p byte) byte {
	switch {
	case p >= s.cfg.HighPriorityFloor:
		return p - s.cfg.HighPriorityFloor + s.cfg.MidPriorityBand
	case p >= s.cfg.MidPriorityBand:
		return s.cfg.MidPriorityBand
	default:
		return p
	}
}

// Stop requests immediate termination. In-queue messages may be dropped;
// the worker exits as soon as it observes the request.
func (s *MessageSender) Stop() { s.requestStop() }

// StopAfter schedules termination after delay via the deferral
// collaborator, giving in-flight sends a chance to land first.
func (s *MessageSender) StopAfter(delay time.Duration) {
	if delay <= 0 {
		s.requestStop()
		return
	}
	s.deferrer.Schedule(s.requestStop, delay)
}

func (s *MessageSender) requestStop() {
	if !s.state.CompareAndSwap(senderRunning, senderStopping) {
		return
	}
	s.halt.ReqStop.Close()
	s.mu.Lock()
	heap.Push(&s.q, poisonMsg)
	s.mu.Unlock()
	s.wakeOne()
}

func (s *MessageSender) wakeOne() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop: pull one message (blocking), extend the batch
// with non-blocking pulls, flushing whenever the next frame would overflow
// the buffer, then flush the remainder and go back to blocking.
func (s *MessageSender) run() {
	defer func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.state.Store(senderStopped)
		s.halt.Done.Close()
	}()

	buf := s.bufs.get(s.cfg.BatchBufferSize)
	defer s.bufs.put(buf)

	for {
		m := s.take()
		if m == nil || m == poisonMsg {
			return
		}
		buf = buf[:0]
		for m != nil {
			if m == poisonMsg {
				s.flush(buf)
				return
			}
			if len(buf)+len(m.payload)+frameOverhead > cap(buf) {
				// Full batch; make room. A message is never split across
				// two writes, the new one starts the next batch.
				s.flush(buf)
				buf = buf[:0]
			}
			buf = AppendFrame(buf, m.payload)
			m = s.tryTake()
		}
		s.flush(buf)
	}
}

// take blocks until a message is queued or a stop is requested.
func (s *MessageSender) take() *outMsg {
	for {
		s.mu.Lock()
		if len(s.q) > 0 {
			m := heap.Pop(&s.q).(*outMsg)
			s.mu.Unlock()
			return m
		}
		s.mu.Unlock()
		if s.state.Load() != senderRunning {
			return nil
		}
		select {
		case <-s.wake:
		case <-s.halt.ReqStop.Chan:
		}
	}
}

// tryTake is the non-blocking pull used to grow a batch.
func (s *MessageSender) tryTake() *outMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q) == 0 {
		return nil
	}
	return heap.Pop(&s.q).(*outMsg)
}

// flush writes the batch, opening the connection on demand and retrying
// with capped backoff until everything is on the wire or a stop arrives.
// On error the whole buffer is rewound: resending a prefix twice is fine
// (delivery is at-least-once), losing a suffix is not.
func (s *MessageSender) flush(buf []byte) {
	if len(buf) == 0 {
		return
	}
	retries := 0
	sent := 0
	for s.state.Load() == senderRunning && sent < len(buf) {
		if s.conn == nil {
			c, err := s.openConn()
			if err != nil {
				s.backoff(&retries, err)
				continue
			}
			s.conn = c
		}
		n, err := s.conn.Write(buf[sent:])
		sent += n
		if err != nil {
			sent = 0
			_ = s.conn.Close()
			s.conn = nil
			s.backoff(&retries, err)
		}
	}
}

// backoff sleeps min(MaxRetryDelay, retries*RetryDelayStep), interruptible
// by a stop request. Failures are logged sparsely, and not at all during
// cluster bring-up (peers that have not booted yet are expected).
func (s *MessageSender) backoff(retries *int, err error) {
	*retries++
	if (s.formed() || *retries > s.cfg.RetrySilentAttempts) && *retries%s.cfg.RetryLogEvery == 0 {
		s.log.Error("sending batch failed; still retrying",
			"peer", s.key.String(), "attempts", *retries, "err", err)
	}
	d := time.Duration(*retries) * s.cfg.RetryDelayStep
	if d > s.cfg.MaxRetryDelay {
		d = s.cfg.MaxRetryDelay
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-s.halt.ReqStop.Chan:
		t.Stop()
	}
}

// openConn dials the dedicated small-message connection and performs the
// preamble handshake.
func (s *MessageSender) openConn() (net.Conn, error) {
	c, err := s.dial.Dial(s.key)
	if err != nil {
		return nil, err
	}
	if err := WritePreamble(c, ConnTypeSmall, s.selfTS, s.cfg.Port); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
