package gridlink

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// ConnType routes a freshly accepted connection to the right consumer.
type ConnType byte

const (
	// ConnTypeSmall carries batched small messages (the sender's channel).
	ConnTypeSmall ConnType = 1
	// ConnTypeBulk carries large payloads over pooled connections.
	ConnTypeBulk ConnType = 2
	// ConnTypeExternal is a connection from outside the cluster.
	ConnTypeExternal ConnType = 3
)

func (t ConnType) valid() bool {
	return t == ConnTypeSmall || t == ConnTypeBulk || t == ConnTypeExternal
}

func (t ConnType) String() string {
	switch t {
	case ConnTypeSmall:
		return "small"
	case ConnTypeBulk:
		return "bulk"
	case ConnTypeExternal:
		return "external"
	}
	return fmt.Sprintf("conntype(%d)", byte(t))
}

// wireSentinel trails every preamble and every frame. It is not a protocol
// field: a missing sentinel means the stream is desynchronized or the peer
// has a framing bug, and the connection must be dropped.
const wireSentinel byte = 0xEF

// wireOrder fixes multi-byte integer encoding for the whole protocol.
var wireOrder = binary.LittleEndian

const (
	// PreambleSize is the fixed handshake written by the connecting side:
	// [1B conn type][2B sender timestamp][2B sender listening port][0xEF].
	PreambleSize = 6

	// frameOverhead is the 2-byte length prefix plus the trailer sentinel.
	frameOverhead = 2 + 1
)

// WritePreamble sends the 6-byte handshake on a newly opened connection.
func WritePreamble(w io.Writer, t ConnType, ts Timestamp, port uint16) error {
	var b [PreambleSize]byte
	b[0] = byte(t)
	wireOrder.PutUint16(b[1:3], uint16(ts))
	wireOrder.PutUint16(b[3:5], port)
	b[5] = wireSentinel
	_, err := w.Write(b[:])
	return err
}

// ReadPreamble consumes and validates the handshake on an accepted
// connection, returning the peer's connection type, boot timestamp and
// listening port.
func ReadPreamble(r io.Reader) (ConnType, Timestamp, uint16, error) {
	var b [PreambleSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, 0, err
	}
	t := ConnType(b[0])
	if !t.valid() || b[5] != wireSentinel {
		return 0, 0, 0, ErrBadPreamble
	}
	ts := Timestamp(wireOrder.Uint16(b[1:3]))
	port := wireOrder.Uint16(b[3:5])
	return t, ts, port, nil
}

// MaxSmallMessage is the largest payload a single frame may carry.
const MaxSmallMessage = 1<<16 - 1

// AppendFrame appends one framed message: 2-byte length, payload, sentinel.
func AppendFrame(dst, payload []byte) []byte {
	dst = wireOrder.AppendUint16(dst, uint16(len(payload)))
	dst = append(dst, payload...)
	return append(dst, wireSentinel)
}

// ReadFrame reads exactly one framed message. A wrong trailer byte yields
// ErrFrameDesync; the caller must discard the connection, not resync.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(wireOrder.Uint16(hdr[:]))
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if buf[n] != wireSentinel {
		return nil, ErrFrameDesync
	}
	return buf[:n], nil
}

// Dialer opens duplex byte connections to peers. The production dialer
// speaks TCP; tests substitute in-memory pipes.
type Dialer interface {
	Dial(key PeerKey) (net.Conn, error)
}

// NetDialer is the production TCP Dialer.
type NetDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (d *NetDialer) Dial(key PeerKey) (net.Conn, error) {
	ka := d.KeepAlive
	if ka <= 0 {
		ka = 45 * time.Second
	}
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: ka}
	c, err := nd.Dial("tcp", key.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// Deferrer schedules an action after a delay. The scheduling framework that
// executes deferred tasks is an external collaborator; AfterFuncDeferrer is
// the standalone default.
type Deferrer interface {
	Schedule(fn func(), delay time.Duration)
}

// AfterFuncDeferrer runs actions on ordinary runtime timers.
type AfterFuncDeferrer struct{}

func (AfterFuncDeferrer) Schedule(fn func(), delay time.Duration) {
	time.AfterFunc(delay, fn)
}
