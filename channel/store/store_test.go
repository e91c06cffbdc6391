package store

import (
	"testing"

	"github.com/statechan/core/channel"
	"github.com/statechan/core/geth"
)

func sampleState(addr channel.Address) channel.ChannelState {
	return channel.ChannelState{
		ChannelAddress: addr,
		ChainID:        1,
		Participants:   [2]channel.Address{geth.HexToAddress("0xa"), geth.HexToAddress("0xb")},
		Nonce:          3,
		AssetIDs:       []channel.Address{geth.HexToAddress("0xaddee")},
		Balances:       []channel.Balance{{Amount: [2]string{"1", "2"}}},
		LockedBalance:  []string{"0"},
	}
}

func sampleTransfer(id channel.Hash, routingID string) channel.Transfer {
	return channel.Transfer{
		TransferID:       id,
		InitialStateHash: id,
		Meta:             []channel.MetaEntry{{Key: "routingId", Value: routingID}},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	addr := geth.HexToAddress("0xc")
	state := sampleState(addr)
	tr := sampleTransfer(geth.HexToHash("0x1"), "route-1")

	if err := s.SaveChannelStateAndTransfers(state, []channel.Transfer{tr}); err != nil {
		t.Fatalf("SaveChannelStateAndTransfers: %v", err)
	}

	back, err := s.GetChannelState(addr)
	if err != nil {
		t.Fatalf("GetChannelState: %v", err)
	}
	if back.Nonce != state.Nonce {
		t.Fatalf("nonce = %d, want %d", back.Nonce, state.Nonce)
	}

	active, err := s.GetActiveTransfers(addr)
	if err != nil {
		t.Fatalf("GetActiveTransfers: %v", err)
	}
	if len(active) != 1 || active[0].TransferID != tr.TransferID {
		t.Fatalf("active transfers = %+v, want [%+v]", active, tr)
	}

	byRoute, err := s.GetTransferByRoutingID(addr, "route-1")
	if err != nil {
		t.Fatalf("GetTransferByRoutingID: %v", err)
	}
	if byRoute.TransferID != tr.TransferID {
		t.Fatalf("GetTransferByRoutingID returned wrong transfer: %+v", byRoute)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetChannelState(geth.HexToAddress("0xdead")); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if _, err := s.GetTransferState(geth.HexToHash("0xdead")); err == nil {
		t.Fatal("expected error for unknown transfer")
	}
}

func TestMemoryStoreGetChannelStateByParticipants(t *testing.T) {
	s := NewMemoryStore()
	addr := geth.HexToAddress("0xc")
	state := sampleState(addr)
	if err := s.SaveChannelStateAndTransfers(state, nil); err != nil {
		t.Fatalf("SaveChannelStateAndTransfers: %v", err)
	}

	got, err := s.GetChannelStateByParticipants(state.Participants[0], state.Participants[1], state.ChainID)
	if err != nil {
		t.Fatalf("GetChannelStateByParticipants: %v", err)
	}
	if got.ChannelAddress != addr {
		t.Fatalf("got channel %s, want %s", got.ChannelAddress.Hex(), addr.Hex())
	}
}

func TestMemoryStoreActiveSetReplacedOnSave(t *testing.T) {
	s := NewMemoryStore()
	addr := geth.HexToAddress("0xc")
	tr1 := sampleTransfer(geth.HexToHash("0x1"), "r1")
	tr2 := sampleTransfer(geth.HexToHash("0x2"), "r2")

	if err := s.SaveChannelStateAndTransfers(sampleState(addr), []channel.Transfer{tr1, tr2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Resolving tr1 leaves only tr2 active.
	if err := s.SaveChannelStateAndTransfers(sampleState(addr), []channel.Transfer{tr2}); err != nil {
		t.Fatalf("save: %v", err)
	}

	active, err := s.GetActiveTransfers(addr)
	if err != nil {
		t.Fatalf("GetActiveTransfers: %v", err)
	}
	if len(active) != 1 || active[0].TransferID != tr2.TransferID {
		t.Fatalf("active = %+v, want only tr2", active)
	}
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer s.Close()

	addr := geth.HexToAddress("0xc")
	state := sampleState(addr)
	tr := sampleTransfer(geth.HexToHash("0x1"), "route-1")

	if err := s.SaveChannelStateAndTransfers(state, []channel.Transfer{tr}); err != nil {
		t.Fatalf("SaveChannelStateAndTransfers: %v", err)
	}

	back, err := s.GetChannelState(addr)
	if err != nil {
		t.Fatalf("GetChannelState: %v", err)
	}
	if back.Nonce != state.Nonce || len(back.AssetIDs) != 1 {
		t.Fatalf("round-trip mismatch: %+v", back)
	}

	active, err := s.GetActiveTransfers(addr)
	if err != nil {
		t.Fatalf("GetActiveTransfers: %v", err)
	}
	if len(active) != 1 || active[0].TransferID != tr.TransferID {
		t.Fatalf("active = %+v, want [%+v]", active, tr)
	}

	byRoute, err := s.GetTransferByRoutingID(addr, "route-1")
	if err != nil {
		t.Fatalf("GetTransferByRoutingID: %v", err)
	}
	if byRoute.TransferID != tr.TransferID {
		t.Fatalf("GetTransferByRoutingID wrong result: %+v", byRoute)
	}
}

func TestPebbleStoreNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer s.Close()

	if _, err := s.GetChannelState(geth.HexToAddress("0xdead")); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
