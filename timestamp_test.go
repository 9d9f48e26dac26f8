package gridlink

import "testing"

func TestTimestampClientFlag(t *testing.T) {
	boot := int64(1_700_000_123_456)
	member := MakeTimestamp(boot, false)
	client := MakeTimestamp(boot, true)

	if member.IsClient() {
		t.Error("member timestamp carries the client flag")
	}
	if !client.IsClient() {
		t.Error("client timestamp missing the client flag")
	}
	if member.Epoch() != client.Epoch() {
		t.Errorf("same boot produced different epochs: %d vs %d",
			member.Epoch(), client.Epoch())
	}
}

func TestTimestampNeverZero(t *testing.T) {
	// Zero is reserved for "unknown"; even a degenerate boot time must not
	// produce it.
	if ts := MakeTimestamp(0, false); ts == 0 {
		t.Error("zero boot time produced the reserved zero timestamp")
	}
	// Boot seconds that truncate to a multiple of 2^15 also land on zero.
	if ts := MakeTimestamp(int64(1<<15)*1000, false); ts == 0 {
		t.Error("truncation landed on the reserved zero timestamp")
	}
	if ts := NowTimestamp(true); ts == 0 || !ts.IsClient() {
		t.Errorf("NowTimestamp(true) = %v", ts)
	}
}

func TestTimestampDisambiguatesReboots(t *testing.T) {
	a := MakeTimestamp(1_700_000_000_000, true)
	b := MakeTimestamp(1_700_000_002_000, true) // two seconds later
	if a == b {
		t.Error("reboots two seconds apart produced equal timestamps")
	}
}
