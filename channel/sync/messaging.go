package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/statechan/core/channel"
)

// RestoreResponse is the payload a peer returns for protocol.restore:
// its full channel state plus the active transfers that back its
// merkleRoot, read and returned under its own lock.
type RestoreResponse struct {
	State           channel.ChannelState
	ActiveTransfers []channel.Transfer
}

// Messaging is the channel core's point-to-point transport, spec.md §6.
// SendUpdateProposal bundles the proposed Transfer alongside the Update:
// spec.md's wire description names only "Update", but a responder cannot
// recompute a create/resolve's Merkle leaf without the transfer's state
// bytes, so any real transport carries both together.
type Messaging interface {
	SendUpdateProposal(ctx context.Context, to channel.PublicIdentifier, update channel.Update, transfer *channel.Transfer) (channel.Update, error)
	SendRestoreRequest(ctx context.Context, to channel.PublicIdentifier, chainID uint64) (RestoreResponse, error)
	SendRestoreConfirmation(ctx context.Context, to channel.PublicIdentifier, channelAddress channel.Address, activeTransferIDs []channel.Hash) error
}

// InMemoryMessaging routes Messaging calls directly between Protocol
// instances registered under the same bus, for in-process two-party
// tests. Grounded on the request/method/payload shape of the teacher's
// p2p reqresp protocol, minus wire encoding: delivery here is a direct
// Go call rather than a framed byte stream.
type InMemoryMessaging struct {
	mu    sync.RWMutex
	peers map[channel.PublicIdentifier]*Protocol
}

// NewInMemoryMessaging returns an empty bus; Register peers onto it
// before use.
func NewInMemoryMessaging() *InMemoryMessaging {
	return &InMemoryMessaging{peers: make(map[channel.PublicIdentifier]*Protocol)}
}

// Register makes p reachable at its own PublicIdentifier.
func (b *InMemoryMessaging) Register(p *Protocol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[p.selfID] = p
}

func (b *InMemoryMessaging) peer(id channel.PublicIdentifier) (*Protocol, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[id]
	if !ok {
		return nil, fmt.Errorf("sync: no peer registered for identifier %q", id)
	}
	return p, nil
}

// SendUpdateProposal implements Messaging.
func (b *InMemoryMessaging) SendUpdateProposal(ctx context.Context, to channel.PublicIdentifier, update channel.Update, transfer *channel.Transfer) (channel.Update, error) {
	p, err := b.peer(to)
	if err != nil {
		return channel.Update{}, err
	}
	return p.HandleInbound(ctx, update, transfer)
}

// SendRestoreRequest implements Messaging.
func (b *InMemoryMessaging) SendRestoreRequest(ctx context.Context, to channel.PublicIdentifier, chainID uint64) (RestoreResponse, error) {
	p, err := b.peer(to)
	if err != nil {
		return RestoreResponse{}, err
	}
	return p.HandleRestoreRequest(ctx, chainID)
}

// SendRestoreConfirmation implements Messaging.
func (b *InMemoryMessaging) SendRestoreConfirmation(ctx context.Context, to channel.PublicIdentifier, channelAddress channel.Address, activeTransferIDs []channel.Hash) error {
	p, err := b.peer(to)
	if err != nil {
		return err
	}
	return p.HandleRestoreConfirmation(ctx, channelAddress, activeTransferIDs)
}
