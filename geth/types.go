// Package geth provides an adapter layer between the channel core's type
// system and go-ethereum's cryptographic and encoding primitives. This is
// the only package that imports go-ethereum directly; all other packages
// in this module use geth's re-exported Address/Hash types and the
// Sign/Verify/Keccak256/EncodeCanonical helpers below.
//
// Using the real go-ethereum crypto package (rather than a hand-rolled
// secp256k1 stand-in) matters here specifically because §6 of the update
// engine's design requires the canonical update hash and its ECDSA
// signatures to be byte-exact with what the on-chain dispute contract
// verifies.
package geth

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// --- Address and Hash (zero-copy, layout-compatible with go-ethereum) ---

// Address is a 20-byte EVM-style account address.
type Address = gethcommon.Address

// Hash is a 32-byte Keccak256 hash.
type Hash = gethcommon.Hash

// BytesToAddress left-pads b to 20 bytes and returns it as an Address.
func BytesToAddress(b []byte) Address { return gethcommon.BytesToAddress(b) }

// HexToAddress parses a hex string into an Address.
func HexToAddress(s string) Address { return gethcommon.HexToAddress(s) }

// BytesToHash left-pads b to 32 bytes and returns it as a Hash.
func BytesToHash(b []byte) Hash { return gethcommon.BytesToHash(b) }

// HexToHash parses a hex string into a Hash.
func HexToHash(s string) Hash { return gethcommon.HexToHash(s) }

// ZeroHash is the all-zero Hash, used as the empty Merkle root sentinel.
var ZeroHash = Hash{}

// --- Balance conversion ---

// ToUint256 converts *big.Int to *uint256.Int for overflow-checked arithmetic.
func ToUint256(b *big.Int) *uint256.Int {
	if b == nil {
		return new(uint256.Int)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		panic(fmt.Sprintf("geth: value %s overflows uint256", b))
	}
	return u
}

// FromUint256 converts *uint256.Int to *big.Int.
func FromUint256(u *uint256.Int) *big.Int {
	if u == nil {
		return new(big.Int)
	}
	return u.ToBig()
}

// ParseUint256 parses a decimal string into a *uint256.Int, as channel
// balances and amounts are carried as decimal strings at the wire boundary.
func ParseUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("geth: invalid decimal amount %q: %w", s, err)
	}
	return u, nil
}

// --- Hashing ---

// Keccak256 computes the Keccak-256 hash of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// Keccak256Hash computes Keccak-256 and returns it as a Hash.
func Keccak256Hash(data ...[]byte) Hash {
	return crypto.Keccak256Hash(data...)
}

// --- Canonical encoding ---

// EncodeCanonical RLP-encodes v using go-ethereum's canonical RLP encoder,
// giving byte-exact, implementation-shared serialization for hashing and
// for durable storage.
func EncodeCanonical(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

// DecodeCanonical RLP-decodes data into v.
func DecodeCanonical(data []byte, v interface{}) error {
	return rlp.DecodeBytes(data, v)
}

// --- Signing ---

// PrivateKey is a secp256k1 private key.
type PrivateKey = ecdsa.PrivateKey

// GenerateKey generates a new secp256k1 private key, for tests and for
// default Signer implementations.
func GenerateKey() (*PrivateKey, error) {
	return crypto.GenerateKey()
}

// Sign produces a 65-byte [R || S || V] ECDSA signature over a 32-byte hash.
func Sign(hash Hash, prv *PrivateKey) ([]byte, error) {
	return crypto.Sign(hash.Bytes(), prv)
}

// Ecrecover recovers the signer's Address from hash and a 65-byte signature.
func Ecrecover(hash Hash, sig []byte) (Address, error) {
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PubkeyToAddress derives the Address for a private key.
func PubkeyToAddress(prv *PrivateKey) Address {
	return crypto.PubkeyToAddress(prv.PublicKey)
}

// VerifySignature checks that sig is a valid signature over hash by signer.
func VerifySignature(signer Address, hash Hash, sig []byte) bool {
	recovered, err := Ecrecover(hash, sig)
	if err != nil {
		return false
	}
	return recovered == signer
}
