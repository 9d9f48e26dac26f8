package gridlink

import "time"

// Config carries every tuning knob of the peer layer. Zero values are
// replaced by FillDefaults; the priority banding thresholds are cluster
// tuning values, not invariants, and may be changed per deployment.
type Config struct {
	// IPv6 selects the process-wide address family. Peer keys on the wire
	// are not self-describing: every node of one cluster must agree.
	IPv6 bool

	// Port is this node's listening port, advertised in every connection
	// preamble so the receiving side can key the new connection back to us.
	Port uint16

	// ClientMode marks this process as a transient client rather than a
	// permanent cluster member. Encoded into the self timestamp.
	ClientMode bool

	// PoolCapacity is the number of idle reusable bulk connections kept
	// per peer. Callers block once all slots are claimed.
	PoolCapacity int

	// PoolWaitTick is how often a blocked Acquire wakes up to re-check
	// the slots even without a Release notification.
	PoolWaitTick time.Duration

	// BatchBufferSize is the sender's output buffer. A single message plus
	// framing must fit in it; messages are batched up to this size per write.
	BatchBufferSize int

	// RetryDelayStep and MaxRetryDelay shape the sender's reconnect backoff:
	// delay = min(MaxRetryDelay, retries * RetryDelayStep).
	RetryDelayStep time.Duration
	MaxRetryDelay  time.Duration

	// RetryLogEvery throttles send-failure logging to one line per this many
	// attempts. RetrySilentAttempts suppresses logging entirely until that
	// many attempts have failed, unless cluster formation has completed
	// (failures during bring-up are expected and not actionable).
	RetryLogEvery       int
	RetrySilentAttempts int

	// HighPriorityFloor and MidPriorityBand compress message priorities:
	// priorities >= HighPriorityFloor map to a narrow band just above
	// MidPriorityBand, priorities in [MidPriorityBand, HighPriorityFloor)
	// coalesce to MidPriorityBand, lower values pass through.
	HighPriorityFloor byte
	MidPriorityBand   byte

	// AnswerRetryDelay is the initial delay before a computed answer is
	// retransmitted when its acknowledgment appears lost.
	AnswerRetryDelay time.Duration

	// HealthyTimeout bounds how stale lastHeardFrom may be for a peer to
	// still count as healthy. Supplied by the liveness collaborator.
	HealthyTimeout time.Duration

	// ClientDisconnectTimeout and DisconnectGraceCoef define the grace
	// period before a removed or reclassified client's sender is torn down:
	// grace = DisconnectGraceCoef * ClientDisconnectTimeout.
	ClientDisconnectTimeout time.Duration
	DisconnectGraceCoef     int
}

// DefaultConfig returns the defaults used by a standard cluster member.
func DefaultConfig() Config {
	c := Config{}
	c.FillDefaults()
	return c
}

// FillDefaults replaces zero values with production defaults.
func (c *Config) FillDefaults() {
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = 2
	}
	if c.PoolWaitTick <= 0 {
		c.PoolWaitTick = 1 * time.Second
	}
	if c.BatchBufferSize <= 0 {
		c.BatchBufferSize = 64 << 10
	}
	if c.RetryDelayStep <= 0 {
		c.RetryDelayStep = 2 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Second
	}
	if c.RetryLogEvery <= 0 {
		c.RetryLogEvery = 150
	}
	if c.RetrySilentAttempts <= 0 {
		c.RetrySilentAttempts = 300
	}
	if c.HighPriorityFloor == 0 {
		c.HighPriorityFloor = 100
	}
	if c.MidPriorityBand == 0 {
		c.MidPriorityBand = 10
	}
	if c.AnswerRetryDelay <= 0 {
		c.AnswerRetryDelay = 200 * time.Millisecond
	}
	if c.HealthyTimeout <= 0 {
		c.HealthyTimeout = 60 * time.Second
	}
	if c.ClientDisconnectTimeout <= 0 {
		c.ClientDisconnectTimeout = 10 * time.Second
	}
	if c.DisconnectGraceCoef <= 0 {
		c.DisconnectGraceCoef = 10
	}
}

// gracePeriod is how long a client's sender keeps trying to deliver queued
// messages after the client was removed or reclassified.
func (c *Config) gracePeriod() time.Duration {
	return time.Duration(c.DisconnectGraceCoef) * c.ClientDisconnectTimeout
}
