// Package transition implements the channel update core's pure state
// transition function: applyUpdate(prev, update, transfer?) -> nextState.
package transition

import (
	"github.com/statechan/core/channel"
)

// Apply advances prev by update, producing a fresh ChannelState. It is
// pure and deterministic: no I/O, no mutation of prev. transfer must be
// non-nil iff update.Type is Create or Resolve, and must be the transfer
// update.AssetID/update.CreateDetails or ResolveDetails refers to.
func Apply(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer) (channel.ChannelState, error) {
	needsTransfer := update.Type == channel.Create || update.Type == channel.Resolve
	if needsTransfer && transfer == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "transfer required for create/resolve").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	if !needsTransfer && transfer != nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "transfer must be nil outside create/resolve").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	next := prev.Clone()
	next.Nonce = prev.Nonce + 1
	appliedUpdate := update.Clone()
	next.LatestUpdate = &appliedUpdate

	switch update.Type {
	case channel.Setup:
		return applySetup(prev, update, next)
	case channel.Deposit:
		return applyDeposit(prev, update, next)
	case channel.Create:
		return applyCreate(prev, update, *transfer, next)
	case channel.Resolve:
		return applyResolve(prev, update, *transfer, next)
	default:
		return channel.ChannelState{}, channel.NewError(channel.BadUpdateType, "unknown update type").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
}

func applySetup(prev channel.ChannelState, update channel.Update, next channel.ChannelState) (channel.ChannelState, error) {
	if prev.Nonce != 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "setup requires prev.nonce == 0").
			WithChannel(update.ChannelAddress).WithNonce(prev.Nonce)
	}
	if update.SetupDetails == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "setup update missing details").
			WithChannel(update.ChannelAddress)
	}

	next.Timeout = update.SetupDetails.Timeout
	next.NetworkContext = update.SetupDetails.NetworkContext
	next.Balances = []channel.Balance{}
	next.AssetIDs = []channel.Address{}
	next.LockedBalance = []string{}
	next.LatestDepositNonce = 0
	next.MerkleRoot = channel.ZeroHash
	return next, nil
}

func applyDeposit(prev channel.ChannelState, update channel.Update, next channel.ChannelState) (channel.ChannelState, error) {
	if update.DepositDetails == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "deposit update missing details").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	idx := prev.AssetIndex(update.AssetID)
	if idx >= 0 {
		next.Balances[idx] = update.Balance.Clone()
	} else {
		next.AssetIDs = append(next.AssetIDs, update.AssetID)
		next.Balances = append(next.Balances, update.Balance.Clone())
		next.LockedBalance = append(next.LockedBalance, "0")
	}
	next.LatestDepositNonce = update.DepositDetails.LatestDepositNonce
	return next, nil
}

func applyCreate(prev channel.ChannelState, update channel.Update, transfer channel.Transfer, next channel.ChannelState) (channel.ChannelState, error) {
	if update.CreateDetails == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "create update missing details").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "create references an asset with no prior deposit").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("assetId")
	}

	amt, err := transfer.InitialBalance.Sum()
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.ApplyUpdateFailed, "sum transfer initial balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	lockedNext, err := channel.AddAmounts(prev.LockedBalance[idx], amt)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.ApplyUpdateFailed, "add locked balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	next.LockedBalance[idx] = lockedNext
	next.Balances[idx] = update.Balance.Clone()
	next.MerkleRoot = update.CreateDetails.MerkleRoot
	return next, nil
}

func applyResolve(prev channel.ChannelState, update channel.Update, transfer channel.Transfer, next channel.ChannelState) (channel.ChannelState, error) {
	if update.ResolveDetails == nil {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "resolve update missing details").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "resolve references an unknown asset").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("assetId")
	}

	amt, err := transfer.InitialBalance.Sum()
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.ApplyUpdateFailed, "sum transfer initial balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	lockedNext, ok, err := channel.SubAmounts(prev.LockedBalance[idx], amt)
	if err != nil {
		return channel.ChannelState{}, channel.WrapError(channel.ApplyUpdateFailed, "subtract locked balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	if !ok {
		return channel.ChannelState{}, channel.NewError(channel.ApplyUpdateFailed, "locked balance underflow on resolve").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("lockedBalance")
	}

	next.LockedBalance[idx] = lockedNext
	next.Balances[idx] = update.Balance.Clone()
	next.MerkleRoot = update.ResolveDetails.MerkleRoot
	return next, nil
}
