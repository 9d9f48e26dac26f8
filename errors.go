package gridlink

import "errors"

var (
	// ErrBadPreamble means the 6-byte connection preamble was malformed
	// (wrong sentinel or unknown connection type). Fatal to that connection.
	ErrBadPreamble = errors.New("bad connection preamble")

	// ErrFrameDesync means a frame trailer sentinel was missing. The stream
	// can no longer be trusted and must be dropped.
	ErrFrameDesync = errors.New("frame sentinel mismatch: stream desynchronized")

	// ErrPoolClosed is returned by SocketPool.Acquire after Close.
	ErrPoolClosed = errors.New("socket pool closed")
)
