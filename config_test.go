package gridlink

import (
	"testing"
	"time"
)

func TestConfigFillDefaults(t *testing.T) {
	var c Config
	c.FillDefaults()

	if c.PoolCapacity != 2 {
		t.Errorf("PoolCapacity = %d, want 2", c.PoolCapacity)
	}
	if c.BatchBufferSize != 64<<10 {
		t.Errorf("BatchBufferSize = %d, want 64KB", c.BatchBufferSize)
	}
	if c.HighPriorityFloor != 100 || c.MidPriorityBand != 10 {
		t.Errorf("priority bands = (%d, %d), want (100, 10)",
			c.HighPriorityFloor, c.MidPriorityBand)
	}
	if c.MaxRetryDelay != 5*time.Second {
		t.Errorf("MaxRetryDelay = %v, want 5s", c.MaxRetryDelay)
	}

	// Explicit settings survive.
	c2 := Config{PoolCapacity: 7, BatchBufferSize: 128}
	c2.FillDefaults()
	if c2.PoolCapacity != 7 || c2.BatchBufferSize != 128 {
		t.Error("FillDefaults overwrote explicit values")
	}
}

func TestConfigGracePeriod(t *testing.T) {
	c := DefaultConfig()
	if got := c.gracePeriod(); got != 100*time.Second {
		t.Errorf("default grace period = %v, want 100s (10 * 10s)", got)
	}
	c.DisconnectGraceCoef = 3
	c.ClientDisconnectTimeout = 2 * time.Second
	if got := c.gracePeriod(); got != 6*time.Second {
		t.Errorf("grace period = %v, want 6s", got)
	}
}
