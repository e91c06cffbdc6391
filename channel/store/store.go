// Package store declares the channel core's persistence collaborator and
// ships two implementations: MemoryStore for tests and PebbleStore as the
// durable default.
package store

import "github.com/statechan/core/channel"

// Store is the channel core's only shared mutable resource. Every
// channel record is keyed by ChannelAddress; transfers are indexed by
// (ChannelAddress, TransferID) and secondarily by a "routingId" Meta
// entry. SaveChannelStateAndTransfers is atomic with respect to the pair
// (channel, activeTransfers).
type Store interface {
	GetChannelState(addr channel.Address) (channel.ChannelState, error)
	GetChannelStates() ([]channel.ChannelState, error)
	GetChannelStateByParticipants(alice, bob channel.Address, chainID uint64) (channel.ChannelState, error)

	GetTransferState(id channel.Hash) (channel.Transfer, error)
	GetActiveTransfers(channelAddr channel.Address) ([]channel.Transfer, error)
	GetTransferByRoutingID(channelAddr channel.Address, routingID string) (channel.Transfer, error)
	GetTransfersByRoutingID(routingID string) ([]channel.Transfer, error)

	SaveChannelStateAndTransfers(state channel.ChannelState, activeTransfers []channel.Transfer) error

	Close() error
}

// routingIDMetaKey is the Meta entry key store implementations scan for
// the secondary routing-id index.
const routingIDMetaKey = "routingId"

func routingIDOf(tr channel.Transfer) (string, bool) {
	for _, e := range tr.Meta {
		if e.Key == routingIDMetaKey {
			return e.Value, true
		}
	}
	return "", false
}

// notFound builds a fresh StoreFailure error for a missing key. A fresh
// value is returned on every call since channel.Error's With* methods
// mutate and return the receiver; a shared package-level instance would
// let one caller's WithField leak into another's.
func notFound(what, field string) error {
	return channel.NewError(channel.StoreFailure, what+" not found").WithField(field)
}
