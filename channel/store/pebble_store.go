package store

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/golang/snappy"

	"github.com/statechan/core/channel"
)

// Key prefixes for the three record families PebbleStore persists.
// Fixed-width address/hash keys after the prefix keep iteration ordered
// and prefix-scoped.
const (
	channelPrefix  = "c/"
	transferPrefix = "t/"
	activePrefix   = "a/" // a/<channelAddr>/<transferId> -> empty marker
)

// PebbleStore is the durable default Store implementation, backed by a
// real embedded KV engine rather than a hand-rolled map. Channel state
// and transfer records are RLP-encoded then snappy-compressed before
// being written, the same compression idiom used elsewhere in this
// codebase's stack for trie/state blobs.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (creating if absent) a pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, channel.WrapError(channel.StoreFailure, "open pebble store", err)
	}
	return &PebbleStore{db: db}, nil
}

func channelKey(addr channel.Address) []byte {
	return append([]byte(channelPrefix), addr.Bytes()...)
}

func transferKey(id channel.Hash) []byte {
	return append([]byte(transferPrefix), id.Bytes()...)
}

func activeKey(channelAddr channel.Address, transferID channel.Hash) []byte {
	key := append([]byte(activePrefix), channelAddr.Bytes()...)
	key = append(key, '/')
	return append(key, transferID.Bytes()...)
}

func activePrefixForChannel(channelAddr channel.Address) []byte {
	key := append([]byte(activePrefix), channelAddr.Bytes()...)
	return append(key, '/')
}

func encodeBlob[T any](encode func(T) ([]byte, error), v T) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeBlob[T any](decode func([]byte) (T, error), blob []byte) (T, error) {
	var zero T
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return zero, fmt.Errorf("store: snappy decode: %w", err)
	}
	return decode(raw)
}

// GetChannelState implements Store.
func (p *PebbleStore) GetChannelState(addr channel.Address) (channel.ChannelState, error) {
	blob, closer, err := p.db.Get(channelKey(addr))
	if err == pebble.ErrNotFound {
		return channel.ChannelState{}, notFound("channel state", "channelAddress")
	}
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.StoreFailure, "get channel state", err)
	}
	defer closer.Close()

	cs, err := decodeBlob(channel.DecodeChannelState, blob)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.StoreFailure, "decode channel state", err)
	}
	return cs, nil
}

// GetChannelStates implements Store.
func (p *PebbleStore) GetChannelStates() ([]channel.ChannelState, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(channelPrefix),
		UpperBound: prefixUpperBound([]byte(channelPrefix)),
	})
	if err != nil {
		return nil, channel.WrapError(channel.StoreFailure, "iterate channel states", err)
	}
	defer iter.Close()

	var out []channel.ChannelState
	for iter.First(); iter.Valid(); iter.Next() {
		cs, err := decodeBlob(channel.DecodeChannelState, iter.Value())
		if err != nil {
			return nil, channel.WrapError(channel.StoreFailure, "decode channel state", err)
		}
		out = append(out, cs)
	}
	return out, nil
}

// GetChannelStateByParticipants implements Store.
func (p *PebbleStore) GetChannelStateByParticipants(alice, bob channel.Address, chainID uint64) (channel.ChannelState, error) {
	states, err := p.GetChannelStates()
	if err != nil {
		return channel.ChannelState{}, err
	}
	for _, cs := range states {
		if cs.ChainID == chainID && cs.Participants[0] == alice && cs.Participants[1] == bob {
			return cs, nil
		}
	}
	return channel.ChannelState{}, notFound("channel state", "participants")
}

// GetTransferState implements Store.
func (p *PebbleStore) GetTransferState(id channel.Hash) (channel.Transfer, error) {
	blob, closer, err := p.db.Get(transferKey(id))
	if err == pebble.ErrNotFound {
		return channel.Transfer{}, notFound("transfer", "transferId")
	}
	if err != nil {
		return channel.Transfer{}, channel.WrapError(channel.StoreFailure, "get transfer", err)
	}
	defer closer.Close()

	tr, err := decodeBlob(channel.DecodeTransfer, blob)
	if err != nil {
		return channel.Transfer{}, channel.WrapError(channel.StoreFailure, "decode transfer", err)
	}
	return tr, nil
}

// GetActiveTransfers implements Store.
func (p *PebbleStore) GetActiveTransfers(channelAddr channel.Address) ([]channel.Transfer, error) {
	prefix := activePrefixForChannel(channelAddr)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, channel.WrapError(channel.StoreFailure, "iterate active transfers", err)
	}
	defer iter.Close()

	var out []channel.Transfer
	for iter.First(); iter.Valid(); iter.Next() {
		id := channel.Hash(bytes.TrimPrefix(iter.Key(), prefix)[:len(channel.Hash{})])
		tr, err := p.GetTransferState(id)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// GetTransferByRoutingID implements Store.
func (p *PebbleStore) GetTransferByRoutingID(channelAddr channel.Address, routingID string) (channel.Transfer, error) {
	active, err := p.GetActiveTransfers(channelAddr)
	if err != nil {
		return channel.Transfer{}, err
	}
	for _, tr := range active {
		if rid, ok := routingIDOf(tr); ok && rid == routingID {
			return tr, nil
		}
	}
	return channel.Transfer{}, notFound("transfer", "routingId")
}

// GetTransfersByRoutingID implements Store.
func (p *PebbleStore) GetTransfersByRoutingID(routingID string) ([]channel.Transfer, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(transferPrefix),
		UpperBound: prefixUpperBound([]byte(transferPrefix)),
	})
	if err != nil {
		return nil, channel.WrapError(channel.StoreFailure, "iterate transfers", err)
	}
	defer iter.Close()

	var out []channel.Transfer
	for iter.First(); iter.Valid(); iter.Next() {
		tr, err := decodeBlob(channel.DecodeTransfer, iter.Value())
		if err != nil {
			return nil, channel.WrapError(channel.StoreFailure, "decode transfer", err)
		}
		if rid, ok := routingIDOf(tr); ok && rid == routingID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// SaveChannelStateAndTransfers implements Store. The channel record, the
// full replacement of its active-transfer index, and every transfer blob
// are written in a single pebble batch, giving atomicity across the pair
// (channel, activeTransfers) as required.
func (p *PebbleStore) SaveChannelStateAndTransfers(state channel.ChannelState, activeTransfers []channel.Transfer) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	csBlob, err := encodeBlob(channel.EncodeChannelState, state)
	if err != nil {
		return channel.WrapError(channel.StoreFailure, "encode channel state", err)
	}
	if err := batch.Set(channelKey(state.ChannelAddress), csBlob, nil); err != nil {
		return channel.WrapError(channel.StoreFailure, "stage channel state", err)
	}

	prefix := activePrefixForChannel(state.ChannelAddress)
	if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return channel.WrapError(channel.StoreFailure, "clear active transfer index", err)
	}

	for _, tr := range activeTransfers {
		trBlob, err := encodeBlob(channel.EncodeTransfer, tr)
		if err != nil {
			return channel.WrapError(channel.StoreFailure, "encode transfer", err)
		}
		if err := batch.Set(transferKey(tr.TransferID), trBlob, nil); err != nil {
			return channel.WrapError(channel.StoreFailure, "stage transfer", err)
		}
		if err := batch.Set(activeKey(state.ChannelAddress, tr.TransferID), []byte{}, nil); err != nil {
			return channel.WrapError(channel.StoreFailure, "stage active transfer index", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return channel.WrapError(channel.StoreFailure, "commit channel save", err)
	}
	return nil
}

// Close implements Store.
func (p *PebbleStore) Close() error {
	if err := p.db.Close(); err != nil {
		return channel.WrapError(channel.StoreFailure, "close pebble store", err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, for bounding a prefix-scoped pebble iterator.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
