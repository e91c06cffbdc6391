// Package channel defines the canonical data model of the two-party
// off-chain payment-channel update engine: ChannelState, Update, Transfer,
// and the UpdateParams a caller declares intent with. Sub-packages
// (transition, generate, validate, sync, store, signer, chain) operate on
// these types; this package holds no logic beyond construction, cloning,
// and canonical encoding.
package channel

import (
	"github.com/statechan/core/geth"
)

// Address is a 20-byte EVM-style account address.
type Address = geth.Address

// Hash is a 32-byte Keccak256 hash.
type Hash = geth.Hash

// PublicIdentifier is a routable peer identity, distinct from the
// participant's on-chain Address.
type PublicIdentifier string

// ZeroAddress is the sentinel assetId for a channel's native asset.
var ZeroAddress = Address{}

// ZeroHash is the empty Merkle root, the commitment over an empty active
// transfer set.
var ZeroHash = geth.ZeroHash

// UpdateType identifies which of the four state transitions an Update
// performs.
type UpdateType uint8

const (
	// Setup initializes a channel's state at nonce 1.
	Setup UpdateType = iota + 1
	// Deposit records a reconciled on-chain deposit for one asset.
	Deposit
	// Create locks funds into a new active transfer.
	Create
	// Resolve releases a transfer's locked funds back into balances.
	Resolve
)

// String renders the update type for logging and error context.
func (t UpdateType) String() string {
	switch t {
	case Setup:
		return "setup"
	case Deposit:
		return "deposit"
	case Create:
		return "create"
	case Resolve:
		return "resolve"
	default:
		return "unknown"
	}
}

// Balance is a channel's per-asset allocation: To[0]/Amount[0] belongs to
// alice (participants[0]), To[1]/Amount[1] to bob. Amount is a decimal
// string at the wire boundary; arithmetic is done on a parsed
// *uint256.Int (see Balance.Parse in arith.go).
type Balance struct {
	To     [2]Address
	Amount [2]string
}

// Clone returns a deep copy of the balance. Amount strings are immutable
// in Go so a value copy already avoids aliasing; Clone exists so callers
// never need to reason about which fields are safe to share.
func (b Balance) Clone() Balance {
	return Balance{To: b.To, Amount: b.Amount}
}

// SetupDetails is the type-specific payload of a setup Update.
type SetupDetails struct {
	CounterpartyIdentifier PublicIdentifier
	Timeout                uint64
	NetworkContext         NetworkContext
}

// DepositDetails is the type-specific payload of a deposit Update.
type DepositDetails struct {
	LatestDepositNonce uint64
}

// CreateDetails is the type-specific payload of a create Update.
type CreateDetails struct {
	MerkleRoot      Hash
	MerkleProofData [][]byte
	TransferID      Hash
}

// ResolveDetails is the type-specific payload of a resolve Update.
type ResolveDetails struct {
	MerkleRoot Hash
	TransferID Hash
}

// NetworkContext is the on-chain deployment context a channel is anchored
// to. It is copied unchanged by every state transition after setup.
type NetworkContext struct {
	ChainID        uint64
	ChannelFactory Address
	TransferRegistry Address
}

// Update is a proposed or applied state transition. Exactly one of the
// Details fields is populated, matching Type.
type Update struct {
	ChannelAddress Address
	Type           UpdateType
	Nonce          uint64
	FromIdentifier PublicIdentifier
	ToIdentifier   PublicIdentifier
	AssetID        Address
	Balance        Balance

	SetupDetails   *SetupDetails   `rlp:"nil"`
	DepositDetails *DepositDetails `rlp:"nil"`
	CreateDetails  *CreateDetails  `rlp:"nil"`
	ResolveDetails *ResolveDetails `rlp:"nil"`

	// Signatures holds [alice, bob] signatures over CanonicalHash(Update).
	// Either or both may be nil until SyncProtocol completes.
	Signatures [2][]byte
}

// Clone returns a deep copy of the update, including its details payload
// and signature bytes, so callers may freely mutate the result.
func (u Update) Clone() Update {
	out := u
	out.Balance = u.Balance.Clone()
	if u.SetupDetails != nil {
		d := *u.SetupDetails
		out.SetupDetails = &d
	}
	if u.DepositDetails != nil {
		d := *u.DepositDetails
		out.DepositDetails = &d
	}
	if u.CreateDetails != nil {
		d := *u.CreateDetails
		d.MerkleProofData = cloneByteSlices(u.CreateDetails.MerkleProofData)
		out.CreateDetails = &d
	}
	if u.ResolveDetails != nil {
		d := *u.ResolveDetails
		out.ResolveDetails = &d
	}
	out.Signatures[0] = cloneBytes(u.Signatures[0])
	out.Signatures[1] = cloneBytes(u.Signatures[1])
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func cloneByteSlices(bs [][]byte) [][]byte {
	if bs == nil {
		return nil
	}
	cp := make([][]byte, len(bs))
	for i, b := range bs {
		cp[i] = cloneBytes(b)
	}
	return cp
}

// MetaEntry is one key/value pair of a Transfer's opaque metadata. Meta is
// carried as a slice rather than a map so that canonical RLP encoding
// (which has no map support) and deterministic hashing don't depend on Go
// map iteration order; callers that build Meta from a map should sort by
// Key first.
type MetaEntry struct {
	Key   string
	Value string
}

// Transfer is an active conditional payment locked inside a channel.
type Transfer struct {
	TransferID         Hash
	ChannelAddress     Address
	ChainID            uint64
	AssetID            Address
	InitialBalance     Balance
	TransferState      []byte
	TransferResolver   []byte
	TransferDefinition Address
	TransferTimeout    uint64
	TransferEncodings  []string
	InitialStateHash   Hash
	Meta               []MetaEntry
}

// Clone returns a deep copy of the transfer.
func (t Transfer) Clone() Transfer {
	out := t
	out.InitialBalance = t.InitialBalance.Clone()
	out.TransferState = cloneBytes(t.TransferState)
	out.TransferResolver = cloneBytes(t.TransferResolver)
	if t.TransferEncodings != nil {
		out.TransferEncodings = append([]string(nil), t.TransferEncodings...)
	}
	if t.Meta != nil {
		out.Meta = append([]MetaEntry(nil), t.Meta...)
	}
	return out
}

// ChannelState is the canonical shared state of a two-party channel.
// Parallel arrays AssetIDs/Balances/LockedBalance are kept in lockstep by
// asset index.
type ChannelState struct {
	ChannelAddress     Address
	ChainID            uint64
	Participants       [2]Address
	PublicIdentifiers  [2]PublicIdentifier
	Nonce              uint64
	Timeout            uint64
	AssetIDs           []Address
	Balances           []Balance
	LockedBalance      []string // decimal strings, parallel to AssetIDs
	MerkleRoot         Hash
	LatestDepositNonce uint64
	NetworkContext     NetworkContext
	LatestUpdate       *Update `rlp:"nil"`
}

// Clone returns a deep, alias-free copy of the state. Every applied update
// produces a fresh ChannelState built from Clone, never from in-place
// mutation of prev.
func (s ChannelState) Clone() ChannelState {
	out := s
	if s.AssetIDs != nil {
		out.AssetIDs = append([]Address(nil), s.AssetIDs...)
	}
	if s.Balances != nil {
		out.Balances = make([]Balance, len(s.Balances))
		for i, b := range s.Balances {
			out.Balances[i] = b.Clone()
		}
	}
	if s.LockedBalance != nil {
		out.LockedBalance = append([]string(nil), s.LockedBalance...)
	}
	if s.LatestUpdate != nil {
		u := s.LatestUpdate.Clone()
		out.LatestUpdate = &u
	}
	return out
}

// AssetIndex returns the index of assetID within s.AssetIDs, or -1 if the
// asset has never been deposited into this channel.
func (s ChannelState) AssetIndex(assetID Address) int {
	for i, a := range s.AssetIDs {
		if a == assetID {
			return i
		}
	}
	return -1
}

// IsAlice reports whether addr occupies the alice slot (participants[0]).
func (s ChannelState) IsAlice(addr Address) bool {
	return s.Participants[0] == addr
}

// CounterpartyIdentifier returns the PublicIdentifier of the participant
// that is not self.
func (s ChannelState) CounterpartyIdentifier(self PublicIdentifier) PublicIdentifier {
	if s.PublicIdentifiers[0] == self {
		return s.PublicIdentifiers[1]
	}
	return s.PublicIdentifiers[0]
}

// UpdateParams is the caller's declarative intent for a new Update; it is
// the input to the generate package.
type UpdateParams struct {
	ChannelAddress Address
	Type           UpdateType
	Details        interface{}
}

// SetupParams is the Details payload for UpdateParams{Type: Setup}.
type SetupParams struct {
	CounterpartyIdentifier PublicIdentifier
	Timeout                uint64
	NetworkContext         NetworkContext
}

// DepositParams is the Details payload for UpdateParams{Type: Deposit}.
type DepositParams struct {
	AssetID Address
}

// CreateParams is the Details payload for UpdateParams{Type: Create}.
type CreateParams struct {
	AssetID             Address
	Amount              [2]string
	TransferDefinition  Address
	TransferInitialState []byte
	TransferEncodings   []string
	TransferTimeout     uint64
	Meta                map[string]string
}

// ResolveParams is the Details payload for UpdateParams{Type: Resolve}.
type ResolveParams struct {
	TransferID     Hash
	ResolverParams []byte
}
