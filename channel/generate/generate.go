// Package generate implements UpdateGenerator: turning a caller's
// UpdateParams plus current state plus external reads into a concrete,
// self-signed Update ready to send to the counterparty.
package generate

import (
	"context"

	"github.com/statechan/core/channel"
	"github.com/statechan/core/channel/chain"
	"github.com/statechan/core/channel/merkle"
	"github.com/statechan/core/channel/signer"
	"github.com/statechan/core/channel/store"
)

// Deps bundles the external reads and the signing capability Generate
// needs: on-chain deposit/balance/resolver reads, the active transfer
// set, and the caller's own signer.
type Deps struct {
	Store       store.Store
	ChainReader chain.ChainReader
	Signer      signer.Signer
}

// Advisory is a non-error signal attached to a generated create update.
// It never blocks generation; callers decide what, if anything, to do
// with it (e.g. requesting collateral from the counterparty).
type Advisory struct {
	InsufficientCollateral bool
	Message                string
}

// Generate builds an Update (and, for create/resolve, the Transfer it
// operates on) from params against state, signing it with deps.Signer.
// The counterparty's signature slot is left nil; SyncProtocol fills it
// in during the round-trip.
func Generate(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (channel.Update, *channel.Transfer, *Advisory, error) {
	switch params.Type {
	case channel.Setup:
		update, err := generateSetup(params, state, deps)
		return update, nil, nil, err
	case channel.Deposit:
		update, err := generateDeposit(ctx, params, state, deps)
		return update, nil, nil, err
	case channel.Create:
		return generateCreate(ctx, params, state, deps)
	case channel.Resolve:
		update, transfer, err := generateResolve(ctx, params, state, deps)
		return update, transfer, nil, err
	default:
		return channel.Update{}, nil, nil, channel.NewError(channel.BadUpdateType, "unknown update type").
			WithChannel(params.ChannelAddress)
	}
}

func self(state channel.ChannelState, deps Deps) (selfIdx int, from, to channel.PublicIdentifier) {
	id := deps.Signer.PublicIdentifier()
	if state.PublicIdentifiers[0] == id {
		return 0, id, state.PublicIdentifiers[1]
	}
	return 1, id, state.PublicIdentifiers[0]
}

// signAndFinish computes the canonical hash of update and fills in the
// caller's own signature slot.
func signAndFinish(update channel.Update, state channel.ChannelState, deps Deps) (channel.Update, error) {
	hash, err := channel.CanonicalHash(update)
	if err != nil {
		return channel.Update{}, err
	}
	sig, err := deps.Signer.SignMessage(hash)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.CannotGenerate, "sign generated update", err).
			WithChannel(update.ChannelAddress).WithNonce(update.Nonce)
	}
	idx := 0
	if !state.IsAlice(deps.Signer.Address()) {
		idx = 1
	}
	update.Signatures[idx] = sig
	return update, nil
}

func generateSetup(params channel.UpdateParams, state channel.ChannelState, deps Deps) (channel.Update, error) {
	sp, ok := params.Details.(*channel.SetupParams)
	if !ok || sp == nil {
		return channel.Update{}, channel.NewError(channel.InvalidParams, "setup requires SetupParams details").
			WithChannel(params.ChannelAddress)
	}
	if state.Nonce != 0 {
		return channel.Update{}, channel.NewError(channel.CannotGenerate, "setup requires prior nonce 0").
			WithChannel(params.ChannelAddress).WithNonce(state.Nonce)
	}

	_, from, to := self(state, deps)
	update := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Setup,
		Nonce:          1,
		FromIdentifier: from,
		ToIdentifier:   to,
		AssetID:        channel.ZeroAddress,
		Balance:        channel.Balance{To: state.Participants, Amount: [2]string{"0", "0"}},
		SetupDetails: &channel.SetupDetails{
			CounterpartyIdentifier: sp.CounterpartyIdentifier,
			Timeout:                sp.Timeout,
			NetworkContext:         sp.NetworkContext,
		},
	}
	return signAndFinish(update, state, deps)
}

func generateDeposit(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (channel.Update, error) {
	dp, ok := params.Details.(*channel.DepositParams)
	if !ok || dp == nil {
		return channel.Update{}, channel.NewError(channel.InvalidParams, "deposit requires DepositParams details").
			WithChannel(params.ChannelAddress)
	}

	record, err := deps.ChainReader.LatestDepositByAssetID(ctx, state.ChannelAddress, dp.AssetID)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.ChainServiceFailure, "read latest deposit", err).
			WithChannel(params.ChannelAddress)
	}
	onchain, err := deps.ChainReader.ChannelOnchainBalance(ctx, state.ChannelAddress, dp.AssetID)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.ChainServiceFailure, "read on-chain balance", err).
			WithChannel(params.ChannelAddress)
	}

	idx := state.AssetIndex(dp.AssetID)
	prevAlice, prevLocked := "0", "0"
	if idx >= 0 {
		prevAlice = state.Balances[idx].Amount[0]
		prevLocked = state.LockedBalance[idx]
	}
	latestDepositNonce := state.LatestDepositNonce

	newAlice := prevAlice
	if record.Nonce > state.LatestDepositNonce {
		newAlice, err = channel.AddAmounts(prevAlice, record.Amount)
		if err != nil {
			return channel.Update{}, channel.WrapError(channel.CannotGenerate, "add new deposit to alice balance", err).
				WithChannel(params.ChannelAddress)
		}
		latestDepositNonce = record.Nonce
	}

	// bob absorbs whatever on-chain balance remains once alice's
	// reconciled balance and the locked total are accounted for; direct
	// deposits to the channel address by bob are credited implicitly
	// this way, without a separate bob-side deposit record.
	aliceAndLocked, err := channel.AddAmounts(newAlice, prevLocked)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.CannotGenerate, "sum alice balance and locked balance", err).
			WithChannel(params.ChannelAddress)
	}
	newBob, ok2, err := channel.SubAmounts(onchain, aliceAndLocked)
	if err != nil {
		return channel.Update{}, channel.WrapError(channel.CannotGenerate, "derive bob balance from on-chain holdings", err).
			WithChannel(params.ChannelAddress)
	}
	if !ok2 {
		return channel.Update{}, channel.NewError(channel.CannotGenerate, "on-chain balance insufficient to cover alice balance and locked funds").
			WithChannel(params.ChannelAddress).WithField("balance")
	}

	_, from, to := self(state, deps)
	update := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Deposit,
		Nonce:          state.Nonce + 1,
		FromIdentifier: from,
		ToIdentifier:   to,
		AssetID:        dp.AssetID,
		Balance:        channel.Balance{To: state.Participants, Amount: [2]string{newAlice, newBob}},
		DepositDetails: &channel.DepositDetails{LatestDepositNonce: latestDepositNonce},
	}
	return signAndFinish(update, state, deps)
}

func generateCreate(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (channel.Update, *channel.Transfer, *Advisory, error) {
	cp, ok := params.Details.(*channel.CreateParams)
	if !ok || cp == nil {
		return channel.Update{}, nil, nil, channel.NewError(channel.InvalidParams, "create requires CreateParams details").
			WithChannel(params.ChannelAddress)
	}
	idx := state.AssetIndex(cp.AssetID)
	if idx < 0 {
		return channel.Update{}, nil, nil, channel.NewError(channel.CannotGenerate, "create references an asset with no prior deposit").
			WithChannel(params.ChannelAddress).WithField("assetId")
	}

	transferID, err := channel.ComputeTransferID(state.ChannelAddress, cp.TransferDefinition, cp.TransferTimeout, cp.TransferEncodings, cp.TransferInitialState, state.Nonce)
	if err != nil {
		return channel.Update{}, nil, nil, err
	}
	tr := channel.Transfer{
		TransferID:         transferID,
		ChannelAddress:     state.ChannelAddress,
		ChainID:            state.ChainID,
		AssetID:            cp.AssetID,
		InitialBalance:     channel.Balance{To: state.Participants, Amount: cp.Amount},
		TransferState:      cp.TransferInitialState,
		TransferDefinition: cp.TransferDefinition,
		TransferTimeout:    cp.TransferTimeout,
		TransferEncodings:  cp.TransferEncodings,
		Meta:               channel.SortedMeta(cp.Meta),
	}
	tr.InitialStateHash, err = channel.HashTransferState(tr)
	if err != nil {
		return channel.Update{}, nil, nil, err
	}

	active, err := deps.Store.GetActiveTransfers(state.ChannelAddress)
	if err != nil {
		return channel.Update{}, nil, nil, channel.WrapError(channel.StoreFailure, "load active transfers", err).
			WithChannel(params.ChannelAddress)
	}
	candidate := append(append([]channel.Transfer(nil), active...), tr)
	tree, err := merkle.GenerateMerkleTreeData(candidate)
	if err != nil {
		return channel.Update{}, nil, nil, channel.WrapError(channel.CannotGenerate, "build merkle tree", err).
			WithChannel(params.ChannelAddress)
	}
	proof, err := merkle.GetProof(tree, tr.InitialStateHash)
	if err != nil {
		return channel.Update{}, nil, nil, channel.WrapError(channel.CannotGenerate, "build inclusion proof", err).
			WithChannel(params.ChannelAddress)
	}

	prevBalance := state.Balances[idx]
	var newAmount [2]string
	for i := 0; i < 2; i++ {
		amt, ok2, err := channel.SubAmounts(prevBalance.Amount[i], tr.InitialBalance.Amount[i])
		if err != nil {
			return channel.Update{}, nil, nil, channel.WrapError(channel.CannotGenerate, "subtract locked allocation from balance", err).
				WithChannel(params.ChannelAddress)
		}
		if !ok2 {
			return channel.Update{}, nil, nil, channel.NewError(channel.CannotGenerate, "balance cannot cover the transfer's locked allocation").
				WithChannel(params.ChannelAddress).WithField("balance")
		}
		newAmount[i] = amt
	}

	_, from, to := self(state, deps)
	update := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Create,
		Nonce:          state.Nonce + 1,
		FromIdentifier: from,
		ToIdentifier:   to,
		AssetID:        cp.AssetID,
		Balance:        channel.Balance{To: state.Participants, Amount: newAmount},
		CreateDetails: &channel.CreateDetails{
			MerkleRoot:      tree.Root(),
			MerkleProofData: proofBytes(proof),
			TransferID:      tr.TransferID,
		},
	}
	update, err = signAndFinish(update, state, deps)
	if err != nil {
		return channel.Update{}, nil, nil, err
	}

	advisory := collateralAdvisory(state, idx, tr)
	return update, &tr, advisory, nil
}

// collateralAdvisory flags a create whose counterparty (the party not
// funding this transfer, typically the one that would forward an
// equivalent transfer further downstream) holds less off-chain balance
// than the transfer's full locked sum. It is informational: the caller
// decides whether to request collateral before proceeding.
func collateralAdvisory(state channel.ChannelState, idx int, tr channel.Transfer) *Advisory {
	creatorIdx := 0
	if tr.InitialBalance.Amount[0] == "0" {
		creatorIdx = 1
	}
	counterpartyIdx := 1 - creatorIdx

	counterpartyBalance, err := channel.ParseAmount(state.Balances[idx].Amount[counterpartyIdx])
	if err != nil {
		return nil
	}
	transferSum, err := tr.InitialBalance.Sum()
	if err != nil {
		return nil
	}
	sumU, err := channel.ParseAmount(transferSum)
	if err != nil {
		return nil
	}
	if counterpartyBalance.Lt(sumU) {
		return &Advisory{InsufficientCollateral: true, Message: "counterparty balance cannot cover a forwarded transfer of this size"}
	}
	return nil
}

func proofBytes(proof merkle.Proof) [][]byte {
	out := make([][]byte, len(proof.Siblings))
	for i, h := range proof.Siblings {
		out[i] = h.Bytes()
	}
	return out
}

func generateResolve(ctx context.Context, params channel.UpdateParams, state channel.ChannelState, deps Deps) (channel.Update, *channel.Transfer, error) {
	rp, ok := params.Details.(*channel.ResolveParams)
	if !ok || rp == nil {
		return channel.Update{}, nil, channel.NewError(channel.InvalidParams, "resolve requires ResolveParams details").
			WithChannel(params.ChannelAddress)
	}

	tr, err := deps.Store.GetTransferState(rp.TransferID)
	if err != nil {
		return channel.Update{}, nil, channel.WrapError(channel.CannotGenerate, "load transfer to resolve", err).
			WithChannel(params.ChannelAddress).WithField("transferId")
	}

	resolved, err := deps.ChainReader.Resolve(ctx, tr, rp.ResolverParams)
	if err != nil {
		return channel.Update{}, nil, channel.WrapError(channel.ChainServiceFailure, "invoke transfer resolver", err).
			WithChannel(params.ChannelAddress)
	}

	idx := state.AssetIndex(tr.AssetID)
	if idx < 0 {
		return channel.Update{}, nil, channel.NewError(channel.CannotGenerate, "resolve references an unknown asset").
			WithChannel(params.ChannelAddress).WithField("assetId")
	}

	active, err := deps.Store.GetActiveTransfers(state.ChannelAddress)
	if err != nil {
		return channel.Update{}, nil, channel.WrapError(channel.StoreFailure, "load active transfers", err).
			WithChannel(params.ChannelAddress)
	}
	remaining := make([]channel.Transfer, 0, len(active))
	for _, other := range active {
		if other.TransferID != tr.TransferID {
			remaining = append(remaining, other)
		}
	}
	tree, err := merkle.GenerateMerkleTreeData(remaining)
	if err != nil {
		return channel.Update{}, nil, channel.WrapError(channel.CannotGenerate, "rebuild merkle tree", err).
			WithChannel(params.ChannelAddress)
	}

	prevBalance := state.Balances[idx]
	var newAmount [2]string
	for i := 0; i < 2; i++ {
		amt, err := channel.AddAmounts(prevBalance.Amount[i], resolved.Amount[i])
		if err != nil {
			return channel.Update{}, nil, channel.WrapError(channel.CannotGenerate, "add resolver payout to balance", err).
				WithChannel(params.ChannelAddress)
		}
		newAmount[i] = amt
	}

	_, from, to := self(state, deps)
	update := channel.Update{
		ChannelAddress: params.ChannelAddress,
		Type:           channel.Resolve,
		Nonce:          state.Nonce + 1,
		FromIdentifier: from,
		ToIdentifier:   to,
		AssetID:        tr.AssetID,
		Balance:        channel.Balance{To: state.Participants, Amount: newAmount},
		ResolveDetails: &channel.ResolveDetails{
			MerkleRoot: tree.Root(),
			TransferID: tr.TransferID,
		},
	}
	update, err = signAndFinish(update, state, deps)
	if err != nil {
		return channel.Update{}, nil, err
	}
	return update, &tr, nil
}
