package gridlink

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TaskLedger tracks, for one peer, the two independent task numberings:
// calls this process sent *to* the peer (outgoing, numbered by a local
// counter starting at 1) and calls the peer sent *to* this process
// (incoming, tracked in the work map).
//
// Incoming ids must be remembered for all time, or a duplicated packet
// arriving very late would look like new work and get re-executed. Keeping
// every record forever is a leak, so the eldest fully-acknowledged records
// are "rolled up" into a single counter: every id <= lastRemoved is
// completed and acknowledged, and only ids above it keep live records.
//
// No ledger operation blocks or takes a lock; everything is built from
// atomic insert-if-absent and compare-and-swap.
type TaskLedger struct {
	// outgoing
	nextTask atomic.Uint64
	pending  sync.Map // uint64 -> *PendingCall
	putKeys  sync.Map // uint64 -> *PendingCall, key-mutating calls only

	// incoming
	work        sync.Map // uint64 -> *WorkRecord
	lastRemoved atomic.Uint64

	// removed is the shared "golden completed" record standing in for every
	// id already rolled up: done, acknowledged, details discarded.
	removed *WorkRecord

	answerRetry time.Duration
}

// NewTaskLedger returns an empty ledger. answerRetry is the initial resend
// delay armed on each computed answer; zero picks the default.
func NewTaskLedger(answerRetry time.Duration) *TaskLedger {
	if answerRetry <= 0 {
		answerRetry = defaultAnswerRetry
	}
	l := &TaskLedger{removed: &WorkRecord{}, answerRetry: answerRetry}
	l.removed.computed.Store(true)
	return l
}

// ---------------
// Outgoing calls.

// PendingCall is one outstanding outgoing call awaiting its answer.
type PendingCall struct {
	id      uint64
	env     *Envelope
	keyHash uint64
	done    chan *Envelope
}

func newPendingCall(id uint64, env *Envelope) *PendingCall {
	pc := &PendingCall{id: id, env: env, done: make(chan *Envelope, 1)}
	if env != nil && env.Key != nil {
		pc.keyHash = xxhash.Sum64(env.Key)
	}
	return pc
}

func (pc *PendingCall) ID() uint64          { return pc.id }
func (pc *PendingCall) Envelope() *Envelope { return pc.env }

// IsPutKey reports whether the call mutates a target key.
func (pc *PendingCall) IsPutKey() bool { return pc.env != nil && pc.env.Key != nil }

// Done delivers the answer envelope once, then stays closed.
func (pc *PendingCall) Done() <-chan *Envelope { return pc.done }

func (pc *PendingCall) complete(ans *Envelope) {
	select {
	case pc.done <- ans:
		close(pc.done)
	default: // duplicate answer; first one won
	}
}

// NextTaskNum allocates the next task id for calls sent to this peer.
// Ids are dense and start at 1. The counter never wraps in practice;
// behavior on wraparound is undefined.
func (l *TaskLedger) NextTaskNum() uint64 { return l.nextTask.Add(1) }

// AddPending registers an outstanding call under its task id. Key-mutating
// calls also enter a small secondary index for fast conflict lookup.
func (l *TaskLedger) AddPending(pc *PendingCall) {
	l.pending.Store(pc.id, pc)
	if pc.IsPutKey() {
		l.putKeys.Store(pc.id, pc)
	}
}

// Pending returns the outstanding call for id, or nil.
func (l *TaskLedger) Pending(id uint64) *PendingCall {
	if v, ok := l.pending.Load(id); ok {
		return v.(*PendingCall)
	}
	return nil
}

// TakePending removes and returns the outstanding call for id, or nil.
func (l *TaskLedger) TakePending(id uint64) *PendingCall {
	v, ok := l.pending.LoadAndDelete(id)
	l.putKeys.Delete(id)
	if !ok {
		return nil
	}
	return v.(*PendingCall)
}

// PendingCount returns the number of outstanding calls.
func (l *TaskLedger) PendingCount() int {
	n := 0
	l.pending.Range(func(_, _ any) bool { n++; return true })
	return n
}

// PendingConflicting finds an in-flight key-mutating call against key, used
// by callers that need read-after-write consistency with their own writes.
// A linear scan: the put-key index stays small relative to message volume.
func (l *TaskLedger) PendingConflicting(key []byte) *PendingCall {
	h := xxhash.Sum64(key)
	var found *PendingCall
	l.putKeys.Range(func(_, v any) bool {
		pc := v.(*PendingCall)
		if pc.keyHash == h && bytes.Equal(pc.env.Key, key) {
			found = pc
			return false
		}
		return true
	})
	return found
}

// ---------------
// Incoming work.

// WorkRecord is one remotely-originated call this process is executing or
// has executed. payload starts as the task envelope, becomes the cached
// answer once computed (so lost acks can be answered from cache), and is
// detached by a single-winner CAS when the double-ack arrives. The record
// itself may outlive the payload by a long time.
type WorkRecord struct {
	id        uint64
	payload   atomic.Pointer[Envelope]
	computed  atomic.Bool
	startedAt atomic.Int64 // unix millis of completion; drives answer resend
	retryIn   atomic.Int64 // current resend delay, nanoseconds
}

func newWorkRecord(id uint64, task *Envelope) *WorkRecord {
	r := &WorkRecord{id: id}
	r.payload.Store(task)
	return r
}

func (r *WorkRecord) ID() uint64     { return r.id }
func (r *WorkRecord) Computed() bool { return r.computed.Load() }

// Answer returns the cached answer envelope, or nil if the task is still
// running or the payload was already detached.
func (r *WorkRecord) Answer() *Envelope {
	if !r.computed.Load() {
		return nil
	}
	return r.payload.Load()
}

// StartedAt is when the answer was recorded, zero if not yet computed.
func (r *WorkRecord) StartedAt() time.Time {
	ms := r.startedAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RecordIncoming inserts rec for its task id if absent.
//
// Returns the prior record if one existed (caller must not re-execute),
// the shared completed sentinel if the id was already rolled up (reply
// from cache / no-op), or nil for genuinely new work.
//
// The order is load-bearing: the record is inserted into the live map
// BEFORE the roll-up counter is checked (Dekker-style). An id must at all
// times be visible in at least one of {work map, roll-up counter}; checking
// the counter first would open a window in which a duplicate packet finds
// the id in neither and resurrects completed work.
func (l *TaskLedger) RecordIncoming(rec *WorkRecord) *WorkRecord {
	if prior, loaded := l.work.LoadOrStore(rec.id, rec); loaded {
		return prior.(*WorkRecord)
	}
	if rec.id > l.lastRemoved.Load() {
		return nil // new work
	}
	// A very old id resurrected by a duplicate packet: the insert was
	// spurious. Remove it and answer with the golden completed record.
	l.work.CompareAndDelete(rec.id, rec)
	return l.removed
}

// RecordAnswer stores the computed answer on rec and arms the resend state
// so a lost acknowledgment leads to retransmission, never recomputation.
func (l *TaskLedger) RecordAnswer(rec *WorkRecord, ans *Envelope) {
	rec.payload.Store(ans)
	rec.computed.Store(true)
	rec.startedAt.Store(time.Now().UnixMilli())
	rec.retryIn.Store(int64(l.answerRetry))
}

const defaultAnswerRetry = 200 * time.Millisecond

// ForgetOnDoubleAck releases the answer payload for id after the remote
// side confirmed receipt, then rolls up every completed-and-released record
// that directly follows the roll-up counter.
//
// The payload detach is a single-winner CAS, so onRelease (optional) runs
// exactly once per task no matter how many duplicate double-acks arrive.
// Roll-up is strictly sequential: the counter advances by exactly one per
// CAS and never skips a gap, so "all ids <= lastRemoved are done" stays
// exact.
func (l *TaskLedger) ForgetOnDoubleAck(id uint64, onRelease func(*Envelope)) {
	v, ok := l.work.Load(id)
	if !ok {
		return // already rolled up
	}
	rec := v.(*WorkRecord)
	if env := rec.payload.Load(); env != nil && rec.payload.CompareAndSwap(env, nil) {
		if onRelease != nil {
			onRelease(env)
		}
	}
	for {
		t := l.lastRemoved.Load()
		v, ok := l.work.Load(t + 1)
		if !ok {
			break // next id not seen yet
		}
		next := v.(*WorkRecord)
		if next.payload.Load() != nil {
			break // still in flight or awaiting its double-ack
		}
		if !l.lastRemoved.CompareAndSwap(t, t+1) {
			break // another caller is rolling up; let it finish
		}
		l.work.Delete(t + 1)
	}
}

// QueryIncoming returns the record tracking id: the completed sentinel if
// the id was rolled up, the live record if present, else nil.
func (l *TaskLedger) QueryIncoming(id uint64) *WorkRecord {
	if id <= l.lastRemoved.Load() {
		return l.removed
	}
	if v, ok := l.work.Load(id); ok {
		return v.(*WorkRecord)
	}
	return nil
}

// Completed reports whether rec is the shared rolled-up sentinel.
func (l *TaskLedger) Completed(rec *WorkRecord) bool { return rec == l.removed }

// LastRemovedID exposes the roll-up watermark.
func (l *TaskLedger) LastRemovedID() uint64 { return l.lastRemoved.Load() }

// OnPeerRebooted wipes the incoming history. A restarted peer has no memory
// of its old task ids and may legitimately reissue them, so duplicate
// suppression must stop applying to ids from before the reboot.
func (l *TaskLedger) OnPeerRebooted() {
	l.work.Clear()
	l.lastRemoved.Store(0)
}
