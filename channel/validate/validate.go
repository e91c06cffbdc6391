// Package validate implements UpdateValidator: every check an inbound
// proposal must pass against local prior state before SyncProtocol will
// apply it.
package validate

import (
	"context"
	"errors"

	"github.com/statechan/core/channel"
	"github.com/statechan/core/channel/chain"
	"github.com/statechan/core/channel/merkle"
	"github.com/statechan/core/channel/signer"
	"github.com/statechan/core/channel/store"
	"github.com/statechan/core/metrics"
)

// ErrOutOfSync is returned (not a *channel.Error, deliberately, since it
// is not a failure) when update.Nonce is more than one ahead of
// prev.Nonce. SyncProtocol checks for this with errors.Is and transitions
// to Restoring instead of rejecting the update.
var ErrOutOfSync = errors.New("validate: update nonce ahead of local state, restore required")

// Deps bundles the external reads Validate needs: the active transfer
// set (for Merkle recomputation) and on-chain reads (for deposit
// reconciliation and resolver invocation).
type Deps struct {
	Store       store.Store
	ChainReader chain.ChainReader
}

// Validate runs every check spec.md §4.4 describes against an inbound
// update. transfer must be supplied (the same value StateTransition
// would receive) whenever update.Type is Create or Resolve.
func Validate(ctx context.Context, prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) (err error) {
	defer func() {
		// ErrOutOfSync is not a rejection: SyncProtocol treats it as a
		// restore signal, not a failed validation.
		if err != nil && !errors.Is(err, ErrOutOfSync) {
			metrics.UpdatesRejected.Inc()
		}
	}()

	if err := checkShape(update); err != nil {
		return err
	}
	if update.ChannelAddress != prev.ChannelAddress {
		return channel.NewError(channel.InvalidParams, "channelAddress does not match prior state").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("channelAddress")
	}
	if err := checkNonce(prev, update); err != nil {
		return err
	}
	if err := checkParticipants(prev, update); err != nil {
		return err
	}
	if err := checkSignature(prev, update); err != nil {
		return err
	}

	switch update.Type {
	case channel.Create:
		if err := checkCreateMerkle(prev, update, transfer, deps); err != nil {
			return err
		}
		if err := checkCreateConservation(prev, update, transfer); err != nil {
			return err
		}
	case channel.Resolve:
		if err := checkResolveMerkle(prev, update, transfer, deps); err != nil {
			return err
		}
		if err := checkResolveResolution(ctx, prev, update, transfer, deps); err != nil {
			return err
		}
		if err := checkResolveConservation(prev, update, transfer); err != nil {
			return err
		}
	case channel.Deposit:
		if err := checkDepositReconciliation(ctx, prev, update, deps); err != nil {
			return err
		}
	}

	return nil
}

func checkShape(update channel.Update) error {
	set := 0
	if update.SetupDetails != nil {
		set++
	}
	if update.DepositDetails != nil {
		set++
	}
	if update.CreateDetails != nil {
		set++
	}
	if update.ResolveDetails != nil {
		set++
	}

	var wantSet bool
	switch update.Type {
	case channel.Setup:
		wantSet = update.SetupDetails != nil
	case channel.Deposit:
		wantSet = update.DepositDetails != nil
	case channel.Create:
		wantSet = update.CreateDetails != nil
	case channel.Resolve:
		wantSet = update.ResolveDetails != nil
	default:
		return channel.NewError(channel.BadUpdateType, "unknown update type").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	if set != 1 || !wantSet {
		return channel.NewError(channel.InvalidParams, "update details do not match declared type").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("type")
	}
	return nil
}

func checkNonce(prev channel.ChannelState, update channel.Update) error {
	if update.Nonce <= prev.Nonce {
		metrics.StaleUpdatesSeen.Inc()
		return channel.NewError(channel.StaleUpdate, "update nonce is not ahead of local state").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("nonce")
	}
	if update.Nonce > prev.Nonce+1 {
		return ErrOutOfSync
	}
	return nil
}

func checkParticipants(prev channel.ChannelState, update channel.Update) error {
	self := update.FromIdentifier
	other := update.ToIdentifier
	if self != prev.PublicIdentifiers[0] && self != prev.PublicIdentifiers[1] {
		return channel.NewError(channel.InvalidParams, "fromIdentifier is not a channel participant").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("fromIdentifier")
	}
	if other != prev.CounterpartyIdentifier(self) {
		return channel.NewError(channel.InvalidParams, "toIdentifier does not match the counterparty").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("toIdentifier")
	}
	return nil
}

func checkSignature(prev channel.ChannelState, update channel.Update) error {
	idx := 0
	fromAddr := prev.Participants[0]
	if update.FromIdentifier == prev.PublicIdentifiers[1] {
		idx = 1
		fromAddr = prev.Participants[1]
	}

	hash, err := channel.CanonicalHash(update)
	if err != nil {
		return err
	}

	sig := update.Signatures[idx]
	if sig == nil {
		return channel.NewError(channel.InvalidSignature, "missing signature from proposer").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("signatures")
	}
	if !signer.Verify(fromAddr, hash, sig) {
		return channel.NewError(channel.InvalidSignature, "signature does not verify against canonical update hash").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("signatures")
	}
	return nil
}

func checkCreateMerkle(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) error {
	if transfer == nil {
		return channel.NewError(channel.InvalidParams, "create update missing transfer").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	active, err := deps.Store.GetActiveTransfers(update.ChannelAddress)
	if err != nil {
		return channel.WrapError(channel.StoreFailure, "load active transfers", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	expectedHash, err := channel.HashTransferState(*transfer)
	if err != nil {
		return err
	}
	if transfer.InitialStateHash != expectedHash {
		return channel.NewError(channel.MerkleRootMismatch, "transfer initialStateHash does not match its declared state").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("initialStateHash")
	}

	candidate := append(active, *transfer)
	tree, err := merkle.GenerateMerkleTreeData(candidate)
	if err != nil {
		return channel.WrapError(channel.MerkleRootMismatch, "recompute merkle tree", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	if update.CreateDetails.MerkleRoot != tree.Root() {
		return channel.NewError(channel.MerkleRootMismatch, "create update's merkleRoot does not match the recomputed tree").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("merkleRoot")
	}
	return nil
}

func checkResolveMerkle(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) error {
	if transfer == nil {
		return channel.NewError(channel.InvalidParams, "resolve update missing transfer").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	active, err := deps.Store.GetActiveTransfers(update.ChannelAddress)
	if err != nil {
		return channel.WrapError(channel.StoreFailure, "load active transfers", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	remaining := make([]channel.Transfer, 0, len(active))
	for _, tr := range active {
		if tr.TransferID != transfer.TransferID {
			remaining = append(remaining, tr)
		}
	}
	tree, err := merkle.GenerateMerkleTreeData(remaining)
	if err != nil {
		return channel.WrapError(channel.MerkleRootMismatch, "recompute merkle tree", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	if update.ResolveDetails.MerkleRoot != tree.Root() {
		return channel.NewError(channel.MerkleRootMismatch, "resolve update's merkleRoot does not match the recomputed tree").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("merkleRoot")
	}
	return nil
}

// checkResolveResolution invokes the transfer's on-chain resolver and
// confirms update.Balance is exactly prior balance plus the resolver's
// payout, positionally by participant (participants[0]/participants[1]),
// since the resolver distributes the transfer's locked funds rather than
// replacing the channel's whole balance.
func checkResolveResolution(ctx context.Context, prev channel.ChannelState, update channel.Update, transfer *channel.Transfer, deps Deps) error {
	resolved, err := deps.ChainReader.Resolve(ctx, *transfer, transfer.TransferResolver)
	if err != nil {
		return channel.WrapError(channel.ChainServiceFailure, "invoke transfer resolver", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.NewError(channel.BalanceMismatch, "resolve references an unknown asset").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("assetId")
	}
	prevBalance := prev.Balances[idx]

	for i := 0; i < 2; i++ {
		want, err := channel.AddAmounts(prevBalance.Amount[i], resolved.Amount[i])
		if err != nil {
			return channel.WrapError(channel.InvalidParams, "add resolver payout to prior balance", err).
				WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
		}
		if want != update.Balance.Amount[i] {
			return channel.NewError(channel.BalanceMismatch, "resolver output does not match the update's recorded balance").
				WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("balance")
		}
	}
	return nil
}

func checkDepositReconciliation(ctx context.Context, prev channel.ChannelState, update channel.Update, deps Deps) error {
	onchainStr, err := deps.ChainReader.ChannelOnchainBalance(ctx, update.ChannelAddress, update.AssetID)
	if err != nil {
		return channel.WrapError(channel.ChainServiceFailure, "read on-chain balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	claimedSum, err := update.Balance.Sum()
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "sum claimed deposit balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	idx := prev.AssetIndex(update.AssetID)
	prevLocked := "0"
	if idx >= 0 {
		prevLocked = prev.LockedBalance[idx]
	}
	claimedTotal, err := channel.AddAmounts(claimedSum, prevLocked)
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "add locked balance to claimed deposit", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	if claimedTotal != onchainStr {
		return channel.NewError(channel.BalanceMismatch, "deposit balance does not reconcile with on-chain holdings").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("balance")
	}
	return nil
}

func checkCreateConservation(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer) error {
	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.NewError(channel.BalanceMismatch, "create references an asset with no prior deposit").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("assetId")
	}
	return checkTotalUnchanged(update, prev.Balances[idx], prev.LockedBalance[idx], *transfer)
}

func checkResolveConservation(prev channel.ChannelState, update channel.Update, transfer *channel.Transfer) error {
	idx := prev.AssetIndex(update.AssetID)
	if idx < 0 {
		return channel.NewError(channel.BalanceMismatch, "resolve references an unknown asset").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("assetId")
	}
	return checkTotalUnchanged(update, prev.Balances[idx], prev.LockedBalance[idx], *transfer)
}

// checkTotalUnchanged verifies balance conservation: a create or resolve
// moves transfer's locked sum between balances and lockedBalance for one
// asset without changing their combined total.
func checkTotalUnchanged(update channel.Update, prevBalance channel.Balance, prevLocked string, transfer channel.Transfer) error {
	prevSum, err := prevBalance.Sum()
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "sum prior balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	prevTotal, err := channel.AddAmounts(prevSum, prevLocked)
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "add prior locked balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	newSum, err := update.Balance.Sum()
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "sum updated balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	amt, err := transfer.InitialBalance.Sum()
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "sum transfer initial balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	var newLocked string
	switch update.Type {
	case channel.Create:
		newLocked, err = channel.AddAmounts(prevLocked, amt)
		if err != nil {
			return channel.WrapError(channel.InvalidParams, "add locked delta", err).
				WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
		}
	case channel.Resolve:
		var ok bool
		newLocked, ok, err = channel.SubAmounts(prevLocked, amt)
		if err != nil {
			return channel.WrapError(channel.InvalidParams, "subtract locked delta", err).
				WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
		}
		if !ok {
			return channel.NewError(channel.BalanceMismatch, "locked balance underflow on resolve").
				WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("lockedBalance")
		}
	}

	newTotal, err := channel.AddAmounts(newSum, newLocked)
	if err != nil {
		return channel.WrapError(channel.InvalidParams, "add updated locked balance", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}

	if prevTotal != newTotal {
		return channel.NewError(channel.BalanceMismatch, "balances+lockedBalance is not conserved across this update").
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce).WithField("lockedBalance")
	}
	return nil
}
