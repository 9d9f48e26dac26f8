package gridlink

import "time"

// Timestamp is the short boot timestamp a node advertises in its connection
// preambles. It is opaque on the wire; locally it packs a truncated boot
// time into the low 15 bits and the client-role flag into the high bit:
//
//	[1 bit client][15 bits boot-seconds]
//
// Zero means "unknown" (the peer has not identified itself yet). Two
// different boots of the same client address yield different timestamps,
// which is what lets the registry tell a reconnect from a duplicate.
type Timestamp uint16

const tsClientFlag Timestamp = 1 << 15

// MakeTimestamp derives a Timestamp from a boot wall-clock in milliseconds.
// The truncation keeps the value short; uniqueness across quick restarts is
// all that is required of it, not global ordering.
func MakeTimestamp(bootMillis int64, client bool) Timestamp {
	t := Timestamp(bootMillis/1000) &^ tsClientFlag
	if t == 0 {
		t = 1 // zero is reserved for "unknown"
	}
	if client {
		t |= tsClientFlag
	}
	return t
}

// NowTimestamp is MakeTimestamp at the current time.
func NowTimestamp(client bool) Timestamp {
	return MakeTimestamp(time.Now().UnixMilli(), client)
}

// IsClient reports whether the timestamp carries the transient-client flag.
func (t Timestamp) IsClient() bool { return t&tsClientFlag != 0 }

// Epoch returns the boot-time bits with the role flag stripped.
func (t Timestamp) Epoch() uint16 { return uint16(t &^ tsClientFlag) }
