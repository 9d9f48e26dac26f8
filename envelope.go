package gridlink

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// CBOR-based message envelope: every small-message payload carries a kind,
// the task id it belongs to, an optional target key (for key-mutating
// calls) and an opaque body produced by the application's own serializer.

// MsgKind discriminates the control-plane message types.
type MsgKind uint8

const (
	// KindTask asks the receiver to execute a remote call.
	KindTask MsgKind = iota + 1
	// KindAck returns the answer of a task to its caller.
	KindAck
	// KindAckAck confirms the caller received the answer; the callee may
	// release its bookkeeping for the task id.
	KindAckAck
	// KindRebooted announces that the sender restarted and has no memory
	// of earlier task ids.
	KindRebooted
)

func (k MsgKind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindAck:
		return "ack"
	case KindAckAck:
		return "ackack"
	case KindRebooted:
		return "rebooted"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Envelope is one control-plane message.
type Envelope struct {
	Kind   MsgKind `cbor:"k"`
	TaskID uint64  `cbor:"id"`
	Key    []byte  `cbor:"key,omitempty"`
	Body   []byte  `cbor:"b,omitempty"`
}

// Encode serializes the envelope for framing.
func (e *Envelope) Encode() ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEnvelope parses one framed payload.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// Message priorities. Acknowledgments must beat ordinary traffic or a
// flooded queue would starve the very messages that drain remote state.
const (
	PriorityTask   byte = 3
	PriorityAck    byte = 102
	PriorityAckAck byte = 103
)

// Executor runs one remotely-requested task and returns the answer body.
type Executor func(env *Envelope) ([]byte, error)

// Dispatch is the receive path for one envelope arriving from p. It
// enforces at-most-once execution: a task id is executed on the first
// sighting only; duplicates are ignored while in flight, re-acked from the
// cached answer once computed, and acked without a body after roll-up.
func (p *Peer) Dispatch(env *Envelope, exec Executor) error {
	p.Touch()
	l := p.Ledger()

	switch env.Kind {
	case KindTask:
		rec := newWorkRecord(env.TaskID, env)
		prior := l.RecordIncoming(rec)
		if prior == nil {
			// Genuinely new work.
			body, err := exec(env)
			if err != nil {
				return fmt.Errorf("execute task %d: %w", env.TaskID, err)
			}
			ans := &Envelope{Kind: KindAck, TaskID: env.TaskID, Body: body}
			l.RecordAnswer(rec, ans)
			return p.sendEnvelope(ans, PriorityAck)
		}
		if l.Completed(prior) {
			// Rolled up long ago: the caller already confirmed receipt once,
			// so a bare ack is enough to stop its retries.
			return p.sendEnvelope(&Envelope{Kind: KindAck, TaskID: env.TaskID}, PriorityAck)
		}
		if ans := prior.Answer(); ans != nil {
			// Computed but the previous ack apparently got lost.
			return p.sendEnvelope(ans, PriorityAck)
		}
		return nil // still in progress; the eventual answer covers this dup

	case KindAck:
		if pc := l.TakePending(env.TaskID); pc != nil {
			pc.complete(env)
		}
		// Always ackack, even for unknown ids: a late duplicate answer still
		// tells the callee it may release its bookkeeping.
		return p.sendEnvelope(&Envelope{Kind: KindAckAck, TaskID: env.TaskID}, PriorityAckAck)

	case KindAckAck:
		l.ForgetOnDoubleAck(env.TaskID, nil)
		return nil

	case KindRebooted:
		l.OnPeerRebooted()
		return nil
	}
	return fmt.Errorf("unknown message kind %d for task %d", env.Kind, env.TaskID)
}

// SubmitTask issues a new outgoing call to p. key is non-nil for
// key-mutating ("put key") calls, which are indexed for conflict lookup.
func (p *Peer) SubmitTask(key, body []byte) (*PendingCall, error) {
	l := p.Ledger()
	id := l.NextTaskNum()
	env := &Envelope{Kind: KindTask, TaskID: id, Key: key, Body: body}
	pc := newPendingCall(id, env)
	l.AddPending(pc)
	if err := p.sendEnvelope(env, PriorityTask); err != nil {
		l.TakePending(id)
		return nil, err
	}
	return pc, nil
}

func (p *Peer) sendEnvelope(env *Envelope, prio byte) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	p.Send(raw, prio)
	return nil
}
