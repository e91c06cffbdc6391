package channel

import (
	"sort"

	"github.com/statechan/core/geth"
)

// canonicalUpdate is the RLP shape hashed and signed for an Update. It
// excludes Signatures: the signature is computed over the update before
// either party has signed it, then re-verified against the same bytes on
// receipt.
type canonicalUpdate struct {
	ChannelAddress Address
	Type           uint8
	Nonce          uint64
	Balance        Balance
	AssetID        Address
	Details        []byte
	FromIdentifier string
	ToIdentifier   string
}

// detailsBytes RLP-encodes whichever Details payload is set on u. Exactly
// one must be set, matching u.Type; callers validate that separately.
func detailsBytes(u Update) ([]byte, error) {
	switch u.Type {
	case Setup:
		return geth.EncodeCanonical(u.SetupDetails)
	case Deposit:
		return geth.EncodeCanonical(u.DepositDetails)
	case Create:
		return geth.EncodeCanonical(u.CreateDetails)
	case Resolve:
		return geth.EncodeCanonical(u.ResolveDetails)
	default:
		return nil, NewError(BadUpdateType, "unknown update type").WithField("type")
	}
}

// CanonicalHash computes the hash an Update's signatures are taken over:
// keccak(rlp(channelAddress, type, nonce, balance, assetId, details,
// fromIdentifier, toIdentifier)). This mirrors the canonical update hash
// used by the on-chain dispute contract, substituting RLP for ABI
// encoding since the core has no Solidity ABI encoder available to it
// (see DESIGN.md).
func CanonicalHash(u Update) (Hash, error) {
	db, err := detailsBytes(u)
	if err != nil {
		return Hash{}, err
	}
	cu := canonicalUpdate{
		ChannelAddress: u.ChannelAddress,
		Type:           uint8(u.Type),
		Nonce:          u.Nonce,
		FromIdentifier: string(u.FromIdentifier),
		ToIdentifier:   string(u.ToIdentifier),
		AssetID:        u.AssetID,
		Balance:        u.Balance,
		Details:        db,
	}
	enc, err := geth.EncodeCanonical(cu)
	if err != nil {
		return Hash{}, WrapError(ApplyUpdateFailed, "encode update for hashing", err)
	}
	return geth.Keccak256Hash(enc), nil
}

// EncodeChannelState RLP-encodes a ChannelState for durable storage,
// giving the byte-exact round-trip the update engine's store requires.
func EncodeChannelState(s ChannelState) ([]byte, error) {
	return geth.EncodeCanonical(s)
}

// DecodeChannelState decodes a ChannelState previously produced by
// EncodeChannelState.
func DecodeChannelState(data []byte) (ChannelState, error) {
	var s ChannelState
	if err := geth.DecodeCanonical(data, &s); err != nil {
		return ChannelState{}, err
	}
	return s, nil
}

// EncodeTransfer RLP-encodes a Transfer for durable storage.
func EncodeTransfer(t Transfer) ([]byte, error) {
	return geth.EncodeCanonical(t)
}

// DecodeTransfer decodes a Transfer previously produced by EncodeTransfer.
func DecodeTransfer(data []byte) (Transfer, error) {
	var t Transfer
	if err := geth.DecodeCanonical(data, &t); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

// transferStatePreimage is the RLP shape hashed into a transfer's
// InitialStateHash, the leaf committed into the active-transfer Merkle
// tree.
type transferStatePreimage struct {
	TransferDefinition Address
	TransferTimeout    uint64
	TransferEncodings  []string
	TransferState      []byte
}

// HashTransferState computes a transfer's InitialStateHash from its
// declared definition, timeout, encodings, and opaque state bytes:
// keccak(rlp(transferDefinition, transferTimeout, transferEncodings,
// transferState)). generate and validate both derive the Merkle leaf this
// way so a proposer and its counterparty always agree on it.
func HashTransferState(t Transfer) (Hash, error) {
	enc, err := geth.EncodeCanonical(transferStatePreimage{
		TransferDefinition: t.TransferDefinition,
		TransferTimeout:    t.TransferTimeout,
		TransferEncodings:  t.TransferEncodings,
		TransferState:      t.TransferState,
	})
	if err != nil {
		return Hash{}, WrapError(ApplyUpdateFailed, "encode transfer state for hashing", err)
	}
	return geth.Keccak256Hash(enc), nil
}

// transferIDPreimage is the RLP shape hashed into a transfer's id: unlike
// InitialStateHash, it is scoped to one channel and to the channel nonce
// the transfer is created at, so the same declared state created at two
// different nonces gets two different ids. Re-proposing at the same nonce
// (e.g. after a failed round-trip) yields the same id.
type transferIDPreimage struct {
	ChannelAddress     Address
	TransferDefinition Address
	TransferTimeout    uint64
	TransferEncodings  []string
	TransferState      []byte
	Nonce              uint64
}

// ComputeTransferID computes transferId = keccak(channelAddress,
// transferDefinition, transferTimeout, encodings, transferState,
// channelNonce).
func ComputeTransferID(channelAddress, transferDefinition Address, transferTimeout uint64, encodings []string, transferState []byte, nonce uint64) (Hash, error) {
	enc, err := geth.EncodeCanonical(transferIDPreimage{
		ChannelAddress:     channelAddress,
		TransferDefinition: transferDefinition,
		TransferTimeout:    transferTimeout,
		TransferEncodings:  encodings,
		TransferState:      transferState,
		Nonce:              nonce,
	})
	if err != nil {
		return Hash{}, WrapError(CannotGenerate, "encode transfer id preimage", err)
	}
	return geth.Keccak256Hash(enc), nil
}

// SortedMeta returns entries sorted by Key, the canonical ordering Meta
// must be in before a Transfer is hashed or encoded.
func SortedMeta(entries map[string]string) []MetaEntry {
	out := make([]MetaEntry, 0, len(entries))
	for k, v := range entries {
		out = append(out, MetaEntry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
