package channel

import (
	"fmt"
	"time"
)

// ProtocolConfig holds the timing parameters SyncProtocol uses for lock
// acquisition, round-trip exchanges, and restore.
type ProtocolConfig struct {
	// LockTimeout bounds how long a proposer waits to acquire the
	// per-channel lock before failing with AcquireLockFailed.
	LockTimeout time.Duration

	// RoundTripTimeout bounds a single propose/countersign exchange.
	// Exceeding it releases the lock and surfaces MessagingTimeout.
	RoundTripTimeout time.Duration

	// RestoreTimeout bounds a restore request/response exchange.
	RestoreTimeout time.Duration
}

// DefaultProtocolConfig returns a ProtocolConfig with sensible defaults
// for a production two-party channel peer.
func DefaultProtocolConfig() ProtocolConfig {
	return ProtocolConfig{
		LockTimeout:      5 * time.Second,
		RoundTripTimeout: 30 * time.Second,
		RestoreTimeout:   30 * time.Second,
	}
}

// Validate checks the configuration for internal consistency.
func (c ProtocolConfig) Validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("channel: lock timeout must be positive, got %s", c.LockTimeout)
	}
	if c.RoundTripTimeout <= 0 {
		return fmt.Errorf("channel: round-trip timeout must be positive, got %s", c.RoundTripTimeout)
	}
	if c.RestoreTimeout <= 0 {
		return fmt.Errorf("channel: restore timeout must be positive, got %s", c.RestoreTimeout)
	}
	return nil
}
