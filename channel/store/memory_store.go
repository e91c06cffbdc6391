package store

import (
	"sync"

	"github.com/statechan/core/channel"
)

// MemoryStore is an in-memory Store implementation, grounded on the same
// RWMutex-guarded-map idiom used elsewhere in this codebase for simple
// keyed stores. Safe for concurrent use; intended for tests and
// single-process demos, not production durability.
type MemoryStore struct {
	mu        sync.RWMutex
	channels  map[channel.Address]channel.ChannelState
	transfers map[channel.Hash]channel.Transfer
	// active tracks, per channel, the set of currently-active transfer ids.
	active map[channel.Address]map[channel.Hash]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:  make(map[channel.Address]channel.ChannelState),
		transfers: make(map[channel.Hash]channel.Transfer),
		active:    make(map[channel.Address]map[channel.Hash]struct{}),
	}
}

// GetChannelState implements Store.
func (s *MemoryStore) GetChannelState(addr channel.Address) (channel.ChannelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.channels[addr]
	if !ok {
		return channel.ChannelState{}, notFound("channel state", "channelAddress")
	}
	return cs.Clone(), nil
}

// GetChannelStates implements Store.
func (s *MemoryStore) GetChannelStates() ([]channel.ChannelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]channel.ChannelState, 0, len(s.channels))
	for _, cs := range s.channels {
		out = append(out, cs.Clone())
	}
	return out, nil
}

// GetChannelStateByParticipants implements Store.
func (s *MemoryStore) GetChannelStateByParticipants(alice, bob channel.Address, chainID uint64) (channel.ChannelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cs := range s.channels {
		if cs.ChainID == chainID && cs.Participants[0] == alice && cs.Participants[1] == bob {
			return cs.Clone(), nil
		}
	}
	return channel.ChannelState{}, notFound("channel state", "participants")
}

// GetTransferState implements Store.
func (s *MemoryStore) GetTransferState(id channel.Hash) (channel.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transfers[id]
	if !ok {
		return channel.Transfer{}, notFound("transfer", "transferId")
	}
	return tr.Clone(), nil
}

// GetActiveTransfers implements Store.
func (s *MemoryStore) GetActiveTransfers(channelAddr channel.Address) ([]channel.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.active[channelAddr]
	out := make([]channel.Transfer, 0, len(ids))
	for id := range ids {
		out = append(out, s.transfers[id].Clone())
	}
	return out, nil
}

// GetTransferByRoutingID implements Store.
func (s *MemoryStore) GetTransferByRoutingID(channelAddr channel.Address, routingID string) (channel.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.active[channelAddr] {
		tr := s.transfers[id]
		if rid, ok := routingIDOf(tr); ok && rid == routingID {
			return tr.Clone(), nil
		}
	}
	return channel.Transfer{}, notFound("transfer", "routingId")
}

// GetTransfersByRoutingID implements Store.
func (s *MemoryStore) GetTransfersByRoutingID(routingID string) ([]channel.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []channel.Transfer
	for _, tr := range s.transfers {
		if rid, ok := routingIDOf(tr); ok && rid == routingID {
			out = append(out, tr.Clone())
		}
	}
	return out, nil
}

// SaveChannelStateAndTransfers implements Store. The write is atomic with
// respect to the single in-memory map update under the write lock: the
// channel's active transfer id set is replaced wholesale to match
// activeTransfers.
func (s *MemoryStore) SaveChannelStateAndTransfers(state channel.ChannelState, activeTransfers []channel.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[state.ChannelAddress] = state.Clone()

	ids := make(map[channel.Hash]struct{}, len(activeTransfers))
	for _, tr := range activeTransfers {
		s.transfers[tr.TransferID] = tr.Clone()
		ids[tr.TransferID] = struct{}{}
	}
	s.active[state.ChannelAddress] = ids
	return nil
}

// Close implements Store. MemoryStore holds no external resources.
func (s *MemoryStore) Close() error { return nil }
