// Package chain declares the channel core's on-chain collaborator
// interfaces. Deposit reconciliation, dispute submission, and defund are
// explicit spec Non-goals for this core; only the interfaces the
// generate and validate packages depend on are declared here, plus a
// FakeChainReader test double.
package chain

import (
	"context"

	"github.com/statechan/core/channel"
)

// DepositRecord is the latest on-chain deposit record for one asset, as
// read by ChainReader.LatestDepositByAssetID.
type DepositRecord struct {
	Nonce  uint64
	Amount string
}

// ChainReader provides read-only on-chain views the generator and
// validator need: deposit reconciliation, current on-chain balance, and
// resolver invocation.
type ChainReader interface {
	// LatestDepositByAssetID returns the most recent reconciled deposit
	// record for assetID into channelAddr.
	LatestDepositByAssetID(ctx context.Context, channelAddr, assetID channel.Address) (DepositRecord, error)

	// ChannelOnchainBalance returns the total on-chain holdings of
	// assetID for channelAddr.
	ChannelOnchainBalance(ctx context.Context, channelAddr, assetID channel.Address) (string, error)

	// Resolve invokes the transfer's on-chain resolver logic, producing
	// the post-resolution balance distribution.
	Resolve(ctx context.Context, transfer channel.Transfer, resolverParams []byte) (channel.Balance, error)

	// ChannelAddress derives the deterministic channel address for a
	// pair of participants under a given factory and chain.
	ChannelAddress(ctx context.Context, alice, bob, factory channel.Address, chainID uint64) (channel.Address, error)
}

// ChainService extends ChainReader with on-chain write paths. Dispute
// submission and defund execution are out of scope for the update
// engine; the methods are declared so a caller can depend on a single
// collaborator type, but the core itself never calls them.
type ChainService interface {
	ChainReader

	// SubmitDispute posts state as the latest mutually signed state to
	// the on-chain dispute contract. Not called by this core.
	SubmitDispute(ctx context.Context, state channel.ChannelState) error

	// SubmitDefund executes on-chain defund of a channel. Not called by
	// this core.
	SubmitDefund(ctx context.Context, state channel.ChannelState) error
}

// FakeChainReader is an in-memory ChainReader for tests: deposits,
// balances, and resolutions are all pre-seeded or computed by injected
// functions.
type FakeChainReader struct {
	Deposits  map[channel.Address]map[channel.Address]DepositRecord
	Balances  map[channel.Address]map[channel.Address]string
	Addresses map[string]channel.Address

	// ResolveFunc computes a transfer's post-resolution balance. If nil,
	// Resolve returns the transfer's InitialBalance unchanged.
	ResolveFunc func(transfer channel.Transfer, resolverParams []byte) (channel.Balance, error)
}

// NewFakeChainReader returns an empty FakeChainReader ready for seeding.
func NewFakeChainReader() *FakeChainReader {
	return &FakeChainReader{
		Deposits:  make(map[channel.Address]map[channel.Address]DepositRecord),
		Balances:  make(map[channel.Address]map[channel.Address]string),
		Addresses: make(map[string]channel.Address),
	}
}

// SeedDeposit records a deposit fixture for channelAddr/assetID.
func (f *FakeChainReader) SeedDeposit(channelAddr, assetID channel.Address, rec DepositRecord) {
	if f.Deposits[channelAddr] == nil {
		f.Deposits[channelAddr] = make(map[channel.Address]DepositRecord)
	}
	f.Deposits[channelAddr][assetID] = rec
}

// SeedBalance records the on-chain balance fixture for channelAddr/assetID.
func (f *FakeChainReader) SeedBalance(channelAddr, assetID channel.Address, amount string) {
	if f.Balances[channelAddr] == nil {
		f.Balances[channelAddr] = make(map[channel.Address]string)
	}
	f.Balances[channelAddr][assetID] = amount
}

// LatestDepositByAssetID implements ChainReader.
func (f *FakeChainReader) LatestDepositByAssetID(_ context.Context, channelAddr, assetID channel.Address) (DepositRecord, error) {
	if byAsset, ok := f.Deposits[channelAddr]; ok {
		if rec, ok := byAsset[assetID]; ok {
			return rec, nil
		}
	}
	return DepositRecord{}, nil
}

// ChannelOnchainBalance implements ChainReader.
func (f *FakeChainReader) ChannelOnchainBalance(_ context.Context, channelAddr, assetID channel.Address) (string, error) {
	if byAsset, ok := f.Balances[channelAddr]; ok {
		if amt, ok := byAsset[assetID]; ok {
			return amt, nil
		}
	}
	return "0", nil
}

// Resolve implements ChainReader.
func (f *FakeChainReader) Resolve(_ context.Context, transfer channel.Transfer, resolverParams []byte) (channel.Balance, error) {
	if f.ResolveFunc != nil {
		return f.ResolveFunc(transfer, resolverParams)
	}
	return transfer.InitialBalance.Clone(), nil
}

// ChannelAddress implements ChainReader. If no fixture is seeded for the
// (alice, bob, factory) triple, it returns alice unchanged.
func (f *FakeChainReader) ChannelAddress(_ context.Context, alice, bob, factory channel.Address, chainID uint64) (channel.Address, error) {
	key := alice.Hex() + bob.Hex() + factory.Hex()
	if addr, ok := f.Addresses[key]; ok {
		return addr, nil
	}
	return alice, nil
}
