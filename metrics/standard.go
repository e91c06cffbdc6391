package metrics

// Pre-defined metrics for the channel update core. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- SyncProtocol metrics ----

	// ProposalsSent counts updates this node has proposed to a counterparty.
	ProposalsSent = DefaultRegistry.Counter("sync.proposals_sent")
	// ProposalsReceived counts inbound update proposals accepted for validation.
	ProposalsReceived = DefaultRegistry.Counter("sync.proposals_received")
	// Countersigns counts updates successfully countersigned by both parties.
	Countersigns = DefaultRegistry.Counter("sync.countersigns")
	// ConcurrentProposalsLost counts proposals discarded by the tie-break rule.
	ConcurrentProposalsLost = DefaultRegistry.Counter("sync.concurrent_proposals_lost")
	// RestoresTriggered counts nonce-ahead divergences that entered Restoring.
	RestoresTriggered = DefaultRegistry.Counter("sync.restores_triggered")
	// RestoresSucceeded counts restores that completed and persisted.
	RestoresSucceeded = DefaultRegistry.Counter("sync.restores_succeeded")
	// RoundTripTimeouts counts propose/countersign round-trips that timed out.
	RoundTripTimeouts = DefaultRegistry.Counter("sync.round_trip_timeouts")
	// LockAcquireFailures counts lock acquisitions that timed out.
	LockAcquireFailures = DefaultRegistry.Counter("sync.lock_acquire_failures")
	// LockWaitTime records time spent waiting to acquire the per-channel lock, in milliseconds.
	LockWaitTime = DefaultRegistry.Histogram("sync.lock_wait_ms")
	// RoundTripTime records the full propose-to-commit latency, in milliseconds.
	RoundTripTime = DefaultRegistry.Histogram("sync.round_trip_ms")

	// ---- Validation metrics ----

	// UpdatesRejected counts inbound updates rejected by the validator, by any reason.
	UpdatesRejected = DefaultRegistry.Counter("validate.updates_rejected")
	// StaleUpdatesSeen counts updates discarded as stale (nonce <= prev.nonce).
	StaleUpdatesSeen = DefaultRegistry.Counter("validate.stale_updates")

	// ---- Store metrics ----

	// ChannelsPersisted counts successful saveChannelStateAndTransfers calls.
	ChannelsPersisted = DefaultRegistry.Counter("store.channels_persisted")
)
