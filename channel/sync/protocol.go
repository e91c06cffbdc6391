// Package sync implements SyncProtocol: the two-party, nonce-ordered
// exchange of updates described in spec.md §4.5, including the
// per-channel lock, concurrent-proposal tie-break, and out-of-sync
// restore flow.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/statechan/core/channel"
	"github.com/statechan/core/channel/chain"
	"github.com/statechan/core/channel/generate"
	"github.com/statechan/core/channel/merkle"
	"github.com/statechan/core/channel/signer"
	"github.com/statechan/core/channel/store"
	"github.com/statechan/core/channel/transition"
	"github.com/statechan/core/channel/validate"
	"github.com/statechan/core/log"
	"github.com/statechan/core/metrics"
)

// monitorReportInterval is how often a Protocol's Monitor logs a metrics
// snapshot.
const monitorReportInterval = 30 * time.Second

// State is a Protocol's local, per-channel position in the sync state
// machine.
type State int

const (
	// Idle is the resting state: no proposal in flight.
	Idle State = iota
	// Proposing is building and signing a local proposal.
	Proposing
	// AwaitingCountersign is waiting for the peer's signature on a sent
	// proposal.
	AwaitingCountersign
	// ApplyingInbound is validating and countersigning an inbound
	// proposal.
	ApplyingInbound
	// Restoring is recovering full state from the peer after detecting
	// an out-of-sync nonce.
	Restoring
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Proposing:
		return "Proposing"
	case AwaitingCountersign:
		return "AwaitingCountersign"
	case ApplyingInbound:
		return "ApplyingInbound"
	case Restoring:
		return "Restoring"
	default:
		return "Unknown"
	}
}

// Deps bundles Protocol's collaborators: the channel core's own
// generate/validate/transition packages run as pure local calls, while
// Store, ChainReader, Signer, LockService and Messaging are external.
type Deps struct {
	Store       store.Store
	ChainReader chain.ChainReader
	Signer      signer.Signer
	Lock        LockService
	Messaging   Messaging
}

type pendingProposal struct {
	nonce uint64
	from  channel.PublicIdentifier
}

// Protocol runs SyncProtocol for one party's view of one channel. States
// are local: the peer runs its own independent Protocol instance.
type Protocol struct {
	mu      sync.Mutex
	state   State
	pending *pendingProposal

	restoreMu    sync.Mutex
	restoreToken LockValue
	restoring    bool

	channelAddress channel.Address
	chainID        uint64
	selfID         channel.PublicIdentifier
	peerID         channel.PublicIdentifier
	participants   [2]channel.Address
	isAlice        bool

	deps Deps
	cfg  channel.ProtocolConfig
	log  *log.Logger

	monitor *Monitor
}

// NewProtocol constructs a Protocol for one channel, one local party.
// state.Participants/PublicIdentifiers must already be known (e.g. from
// the prior setup update or store read) so the protocol can identify
// itself and its counterparty without an extra round-trip.
func NewProtocol(state channel.ChannelState, deps Deps, cfg channel.ProtocolConfig) *Protocol {
	self := deps.Signer.PublicIdentifier()
	peer := state.CounterpartyIdentifier(self)
	p := &Protocol{
		channelAddress: state.ChannelAddress,
		chainID:        state.ChainID,
		selfID:         self,
		peerID:         peer,
		participants:   state.Participants,
		isAlice:        state.IsAlice(deps.Signer.Address()),
		deps:           deps,
		cfg:            cfg,
		log:            log.Default().Module("channel/sync").With("channel", state.ChannelAddress.Hex()),
	}
	p.monitor = NewMonitor(state.ChannelAddress.Hex(), log.Default().Module("channel/sync"), monitorReportInterval)
	return p
}

// Close releases the Protocol's background resources (the metrics
// reporter). Store, Lock, and Messaging remain the caller's to close.
func (p *Protocol) Close() {
	p.monitor.Close()
}

func (p *Protocol) counterpartyID() channel.PublicIdentifier {
	return p.peerID
}

// State reports the protocol's current local state, for diagnostics.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Propose builds, signs, and sends a new update for this channel,
// applying and persisting the countersigned result on success. It is the
// initiator half of spec.md §4.5's happy path.
func (p *Protocol) Propose(ctx context.Context, params channel.UpdateParams) (channel.ChannelState, error) {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return channel.ChannelState{}, channel.NewError(channel.AcquireLockFailed, "protocol already has an operation in flight").
			WithChannel(p.channelAddress)
	}
	p.state = Proposing
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.state = Idle
		p.pending = nil
		p.mu.Unlock()
	}()

	state, err := p.deps.Store.GetChannelState(p.channelAddress)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.StoreFailure, "read channel state", err).
			WithChannel(p.channelAddress)
	}

	update, transfer, _, err := generate.Generate(ctx, params, state, generate.Deps{
		Store: p.deps.Store, ChainReader: p.deps.ChainReader, Signer: p.deps.Signer,
	})
	if err != nil {
		return channel.ChannelState{}, err
	}
	if err := validate.Validate(ctx, state, update, transfer, validate.Deps{Store: p.deps.Store, ChainReader: p.deps.ChainReader}); err != nil {
		return channel.ChannelState{}, err
	}

	p.mu.Lock()
	p.pending = &pendingProposal{nonce: update.Nonce, from: update.FromIdentifier}
	p.state = AwaitingCountersign
	p.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	lockWait := metrics.NewTimer(metrics.LockWaitTime)
	token, err := p.deps.Lock.AcquireLock(lockCtx, p.channelAddress, p.isAlice, p.counterpartyID())
	lockWait.Stop()
	cancel()
	if err != nil {
		metrics.LockAcquireFailures.Inc()
		return channel.ChannelState{}, channel.WrapError(channel.AcquireLockFailed, "acquire channel lock", err).
			WithChannel(p.channelAddress).WithNonce(update.Nonce)
	}
	defer p.deps.Lock.ReleaseLock(context.Background(), p.channelAddress, token, p.isAlice, p.counterpartyID())

	roundCtx, rcancel := context.WithTimeout(ctx, p.cfg.RoundTripTimeout)
	defer rcancel()
	roundTrip := metrics.NewTimer(metrics.RoundTripTime)
	countersigned, err := p.deps.Messaging.SendUpdateProposal(roundCtx, p.counterpartyID(), update, transfer)
	rtDuration := roundTrip.Stop()
	if err != nil {
		if kind, ok := channel.KindOf(err); ok && kind == channel.StaleUpdate {
			metrics.ConcurrentProposalsLost.Inc()
			return channel.ChannelState{}, err
		}
		metrics.RoundTripTimeouts.Inc()
		return channel.ChannelState{}, channel.WrapError(channel.MessagingTimeout, "update proposal round-trip", err).
			WithChannel(p.channelAddress).WithNonce(update.Nonce)
	}
	p.monitor.RecordRoundTrip(rtDuration)

	if err := p.verifyBothSignatures(countersigned); err != nil {
		return channel.ChannelState{}, err
	}
	next, err := transition.Apply(state, countersigned, transfer)
	if err != nil {
		return channel.ChannelState{}, err
	}
	if err := p.persist(next, transfer); err != nil {
		return channel.ChannelState{}, err
	}
	metrics.ProposalsSent.Inc()
	return next, nil
}

// HandleInbound is the responder half of spec.md §4.5's happy path,
// invoked by Messaging when a peer sends a proposal. It also resolves
// the concurrent-proposal tie-break: if this Protocol already has a
// pending proposal at the same nonce, the lexicographically smaller
// publicIdentifier wins outright, without touching the lock.
func (p *Protocol) HandleInbound(ctx context.Context, update channel.Update, transfer *channel.Transfer) (channel.Update, error) {
	p.mu.Lock()
	if p.pending != nil && p.pending.nonce == update.Nonce && p.selfID < update.FromIdentifier {
		p.mu.Unlock()
		metrics.ConcurrentProposalsLost.Inc()
		return channel.Update{}, channel.NewError(channel.StaleUpdate, "local proposal wins the concurrent-proposal tie-break").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	p.state = ApplyingInbound
	p.mu.Unlock()
	metrics.ProposalsReceived.Inc()
	defer func() {
		p.mu.Lock()
		p.state = Idle
		p.mu.Unlock()
	}()

	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	lockWait := metrics.NewTimer(metrics.LockWaitTime)
	token, err := p.deps.Lock.AcquireLock(lockCtx, p.channelAddress, p.isAlice, p.counterpartyID())
	lockWait.Stop()
	cancel()
	if err != nil {
		metrics.LockAcquireFailures.Inc()
		return channel.Update{}, channel.WrapError(channel.AcquireLockFailed, "acquire channel lock", err).
			WithChannel(p.channelAddress).WithNonce(update.Nonce)
	}
	defer p.deps.Lock.ReleaseLock(context.Background(), p.channelAddress, token, p.isAlice, p.counterpartyID())

	state, err := p.deps.Store.GetChannelState(p.channelAddress)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.StoreFailure, "read channel state", err).
			WithChannel(p.channelAddress)
	}

	verr := validate.Validate(ctx, state, update, transfer, validate.Deps{Store: p.deps.Store, ChainReader: p.deps.ChainReader})
	if errors.Is(verr, validate.ErrOutOfSync) {
		restored, rerr := p.restore(ctx)
		if rerr != nil {
			return channel.Update{}, rerr
		}
		state = restored
		if err := validate.Validate(ctx, state, update, transfer, validate.Deps{Store: p.deps.Store, ChainReader: p.deps.ChainReader}); err != nil {
			return channel.Update{}, err
		}
	} else if verr != nil {
		return channel.Update{}, verr
	}

	signed, err := p.countersign(update, state)
	if err != nil {
		return channel.Update{}, err
	}
	next, err := transition.Apply(state, signed, transfer)
	if err != nil {
		return channel.Update{}, err
	}
	if err := p.persist(next, transfer); err != nil {
		return channel.Update{}, err
	}
	metrics.Countersigns.Inc()
	return signed, nil
}

// countersign fills this Protocol's own signature slot on an inbound
// update that already carries the proposer's signature.
func (p *Protocol) countersign(update channel.Update, state channel.ChannelState) (channel.Update, error) {
	hash, err := channel.CanonicalHash(update)
	if err != nil {
		return channel.Update{}, err
	}
	sig, err := p.deps.Signer.SignMessage(hash)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.InvalidSignature, "countersign inbound update", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	idx := 0
	if !state.IsAlice(p.deps.Signer.Address()) {
		idx = 1
	}
	update.Signatures[idx] = sig
	return update, nil
}

func (p *Protocol) verifyBothSignatures(update channel.Update) error {
	hash, err := channel.CanonicalHash(update)
	if err != nil {
		return err
	}
	for i, addr := range p.participants {
		if update.Signatures[i] == nil || !signer.Verify(addr, hash, update.Signatures[i]) {
			return channel.NewError(channel.InvalidSignature, "countersigned update missing a valid signature").
				WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("signatures")
		}
	}
	return nil
}

// persist updates the active-transfer set for update's type and saves
// the pair atomically via Store.
func (p *Protocol) persist(next channel.ChannelState, transfer *channel.Transfer) error {
	active, err := p.deps.Store.GetActiveTransfers(p.channelAddress)
	if err != nil {
		return channel.WrapError(channel.StoreFailure, "load active transfers", err).WithChannel(p.channelAddress)
	}
	if next.LatestUpdate != nil {
		switch next.LatestUpdate.Type {
		case channel.Create:
			active = append(active, *transfer)
		case channel.Resolve:
			filtered := make([]channel.Transfer, 0, len(active))
			for _, tr := range active {
				if tr.TransferID != transfer.TransferID {
					filtered = append(filtered, tr)
				}
			}
			active = filtered
		}
	}
	if err := p.deps.Store.SaveChannelStateAndTransfers(next, active); err != nil {
		return channel.WrapError(channel.StoreFailure, "persist channel state", err).
			WithChannel(p.channelAddress).WithNonce(next.Nonce)
	}
	metrics.ChannelsPersisted.Inc()
	return nil
}

// restore runs the out-of-sync recovery flow of spec.md §4.5: request the
// peer's full state, verify it independently, then adopt it atomically.
func (p *Protocol) restore(ctx context.Context) (channel.ChannelState, error) {
	metrics.RestoresTriggered.Inc()
	p.mu.Lock()
	p.state = Restoring
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.state = Idle
		p.mu.Unlock()
	}()

	restoreCtx, cancel := context.WithTimeout(ctx, p.cfg.RestoreTimeout)
	defer cancel()
	resp, err := p.deps.Messaging.SendRestoreRequest(restoreCtx, p.counterpartyID(), p.chainID)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.MessagingTimeout, "restore request round-trip", err).
			WithChannel(p.channelAddress)
	}

	local, err := p.deps.Store.GetChannelState(p.channelAddress)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.StoreFailure, "read local channel state", err).
			WithChannel(p.channelAddress)
	}

	derived, err := p.deps.ChainReader.ChannelAddress(ctx, resp.State.Participants[0], resp.State.Participants[1],
		resp.State.NetworkContext.ChannelFactory, resp.State.ChainID)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.ChainServiceFailure, "derive channel address for restore verification", err).
			WithChannel(p.channelAddress)
	}
	if derived != resp.State.ChannelAddress {
		return channel.ChannelState{}, channel.NewError(channel.RestoreFailed, "restored channel address does not match deterministic derivation").
			WithChannel(p.channelAddress).WithField(channel.RestoreReasonInvalidChannelAddress)
	}

	if resp.State.LatestUpdate == nil {
		return channel.ChannelState{}, channel.NewError(channel.RestoreFailed, "restored state carries no latest update to verify").
			WithChannel(p.channelAddress).WithField(channel.RestoreReasonInvalidSignatures)
	}
	hash, err := channel.CanonicalHash(*resp.State.LatestUpdate)
	if err != nil {
		return channel.ChannelState{}, err
	}
	for i, addr := range resp.State.Participants {
		sig := resp.State.LatestUpdate.Signatures[i]
		if sig == nil || !signer.Verify(addr, hash, sig) {
			return channel.ChannelState{}, channel.NewError(channel.RestoreFailed, "restored latest update carries an invalid signature").
				WithChannel(p.channelAddress).WithField(channel.RestoreReasonInvalidSignatures)
		}
	}

	tree, err := merkle.GenerateMerkleTreeData(resp.ActiveTransfers)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.RestoreFailed, "rebuild merkle tree from restored transfers", err).
			WithChannel(p.channelAddress)
	}
	if tree.Root() != resp.State.MerkleRoot {
		return channel.ChannelState{}, channel.NewError(channel.RestoreFailed, "restored active transfers do not match the channel's merkle root").
			WithChannel(p.channelAddress).WithField(channel.RestoreReasonInvalidMerkleRoot)
	}

	if resp.State.Nonce <= local.Nonce+1 {
		return channel.ChannelState{}, channel.NewError(channel.RestoreFailed, "restored state is already reachable via normal sync").
			WithChannel(p.channelAddress).WithField(channel.RestoreReasonSyncableState)
	}

	if err := p.deps.Store.SaveChannelStateAndTransfers(resp.State, resp.ActiveTransfers); err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.RestoreFailed, "persist restored state", err).
			WithChannel(p.channelAddress).WithField(channel.RestoreReasonSaveFailed)
	}
	metrics.ChannelsPersisted.Inc()

	ids := make([]channel.Hash, len(resp.ActiveTransfers))
	for i, tr := range resp.ActiveTransfers {
		ids[i] = tr.TransferID
	}
	if err := p.deps.Messaging.SendRestoreConfirmation(ctx, p.counterpartyID(), resp.State.ChannelAddress, ids); err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.MessagingTimeout, "send restore confirmation", err).
			WithChannel(p.channelAddress)
	}
	metrics.RestoresSucceeded.Inc()
	return resp.State, nil
}

// HandleRestoreRequest serves a peer's restore request: the channel state
// and active transfers are read and returned under this Protocol's own
// lock, released only once the peer confirms via HandleRestoreConfirmation.
func (p *Protocol) HandleRestoreRequest(ctx context.Context, _ uint64) (RestoreResponse, error) {
	lockCtx, cancel := context.WithTimeout(ctx, p.cfg.LockTimeout)
	lockWait := metrics.NewTimer(metrics.LockWaitTime)
	token, err := p.deps.Lock.AcquireLock(lockCtx, p.channelAddress, p.isAlice, p.counterpartyID())
	lockWait.Stop()
	cancel()
	if err != nil {
		metrics.LockAcquireFailures.Inc()
		return RestoreResponse{}, channel.WrapError(channel.AcquireLockFailed, "acquire channel lock for restore", err).
			WithChannel(p.channelAddress)
	}

	release := func() { p.deps.Lock.ReleaseLock(context.Background(), p.channelAddress, token, p.isAlice, p.counterpartyID()) }

	state, err := p.deps.Store.GetChannelState(p.channelAddress)
	if err != nil {
		release()
		return RestoreResponse{}, channel.WrapError(channel.StoreFailure, "read channel state for restore", err).
			WithChannel(p.channelAddress)
	}
	active, err := p.deps.Store.GetActiveTransfers(p.channelAddress)
	if err != nil {
		release()
		return RestoreResponse{}, channel.WrapError(channel.StoreFailure, "read active transfers for restore", err).
			WithChannel(p.channelAddress)
	}

	p.restoreMu.Lock()
	p.restoreToken = token
	p.restoring = true
	p.restoreMu.Unlock()

	return RestoreResponse{State: state, ActiveTransfers: active}, nil
}

// HandleRestoreConfirmation releases the lock held since the matching
// HandleRestoreRequest.
func (p *Protocol) HandleRestoreConfirmation(_ context.Context, _ channel.Address, _ []channel.Hash) error {
	p.restoreMu.Lock()
	if !p.restoring {
		p.restoreMu.Unlock()
		return channel.NewError(channel.RestoreFailed, "restore confirmation received with no lock outstanding").
			WithChannel(p.channelAddress).WithField(channel.RestoreReasonSaveFailed)
	}
	token := p.restoreToken
	p.restoring = false
	p.restoreMu.Unlock()
	return p.deps.Lock.ReleaseLock(context.Background(), p.channelAddress, token, p.isAlice, p.counterpartyID())
}
