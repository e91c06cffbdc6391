package channel

import (
	"testing"

	"github.com/statechan/core/geth"
)

func TestCanonicalHashDeterministic(t *testing.T) {
	u := Update{
		ChannelAddress: geth.HexToAddress("0x1"),
		Type:           Deposit,
		Nonce:          2,
		FromIdentifier: "alice-id",
		ToIdentifier:   "bob-id",
		AssetID:        geth.HexToAddress("0xaddee"),
		Balance:        Balance{Amount: [2]string{"0", "17"}},
		DepositDetails: &DepositDetails{LatestDepositNonce: 0},
	}

	h1, err := CanonicalHash(u)
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	h2, err := CanonicalHash(u.Clone())
	if err != nil {
		t.Fatalf("CanonicalHash (clone): %v", err)
	}
	if h1 != h2 {
		t.Fatal("CanonicalHash must be deterministic over equal updates")
	}

	u2 := u
	u2.Nonce = 3
	h3, err := CanonicalHash(u2)
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	if h1 == h3 {
		t.Fatal("CanonicalHash must differ when nonce differs")
	}
}

func TestCanonicalHashUnknownType(t *testing.T) {
	if _, err := CanonicalHash(Update{Type: UpdateType(250)}); err == nil {
		t.Fatal("expected error for unknown update type")
	}
}

func TestChannelStateEncodeDecodeRoundTrip(t *testing.T) {
	s := ChannelState{
		ChannelAddress:    geth.HexToAddress("0x1"),
		ChainID:           1,
		Participants:      [2]Address{geth.HexToAddress("0xa"), geth.HexToAddress("0xb")},
		PublicIdentifiers: [2]PublicIdentifier{"alice-id", "bob-id"},
		Nonce:             3,
		Timeout:           8267345,
		AssetIDs:          []Address{geth.HexToAddress("0xaddee")},
		Balances:          []Balance{{Amount: [2]string{"6", "17"}}},
		LockedBalance:     []string{"0"},
		MerkleRoot:        ZeroHash,
		LatestUpdate: &Update{
			ChannelAddress: geth.HexToAddress("0x1"),
			Type:           Deposit,
			Nonce:          3,
			DepositDetails: &DepositDetails{LatestDepositNonce: 3},
		},
	}

	enc, err := EncodeChannelState(s)
	if err != nil {
		t.Fatalf("EncodeChannelState: %v", err)
	}
	back, err := DecodeChannelState(enc)
	if err != nil {
		t.Fatalf("DecodeChannelState: %v", err)
	}

	if back.ChannelAddress != s.ChannelAddress || back.Nonce != s.Nonce || back.Timeout != s.Timeout {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", back, s)
	}
	if len(back.AssetIDs) != 1 || back.AssetIDs[0] != s.AssetIDs[0] {
		t.Fatalf("AssetIDs round-trip mismatch: %+v", back.AssetIDs)
	}
	if back.LatestUpdate == nil || back.LatestUpdate.DepositDetails == nil || back.LatestUpdate.DepositDetails.LatestDepositNonce != 3 {
		t.Fatalf("LatestUpdate round-trip mismatch: %+v", back.LatestUpdate)
	}

	enc2, err := EncodeChannelState(back)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(enc) != string(enc2) {
		t.Fatal("encode-decode-encode must be byte-exact")
	}
}

func TestTransferEncodeDecodeRoundTrip(t *testing.T) {
	tr := Transfer{
		TransferID:         geth.HexToHash("0x1"),
		ChannelAddress:     geth.HexToAddress("0x2"),
		AssetID:            geth.HexToAddress("0xaddee"),
		InitialBalance:     Balance{Amount: [2]string{"0", "14"}},
		TransferState:      []byte("state"),
		TransferDefinition: geth.HexToAddress("0x3"),
		TransferTimeout:    1000,
		TransferEncodings:  []string{"tuple(uint256 amount)"},
		Meta:               SortedMeta(map[string]string{"routingId": "abc"}),
	}

	enc, err := EncodeTransfer(tr)
	if err != nil {
		t.Fatalf("EncodeTransfer: %v", err)
	}
	back, err := DecodeTransfer(enc)
	if err != nil {
		t.Fatalf("DecodeTransfer: %v", err)
	}
	if back.TransferID != tr.TransferID || back.TransferTimeout != tr.TransferTimeout {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", back, tr)
	}
	if len(back.Meta) != 1 || back.Meta[0].Key != "routingId" {
		t.Fatalf("Meta round-trip mismatch: %+v", back.Meta)
	}
}

func TestSortedMetaOrdering(t *testing.T) {
	m := SortedMeta(map[string]string{"zeta": "1", "alpha": "2", "mid": "3"})
	if len(m) != 3 || m[0].Key != "alpha" || m[1].Key != "mid" || m[2].Key != "zeta" {
		t.Fatalf("SortedMeta not sorted: %+v", m)
	}
}
