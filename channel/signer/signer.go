// Package signer defines the channel core's Signer collaborator and ships
// a default, real-secp256k1-backed implementation.
package signer

import (
	"github.com/statechan/core/channel"
	"github.com/statechan/core/geth"
)

// Signer signs and decrypts on behalf of one channel participant. It is
// identified by a PublicIdentifier and a derived on-chain Address; the
// core treats it as an external collaborator (key custody is out of
// scope) but ships ECDSASigner as the default concrete implementation.
type Signer interface {
	// PublicIdentifier returns the routable identity of this signer.
	PublicIdentifier() channel.PublicIdentifier
	// Address returns the on-chain address this signer signs as.
	Address() channel.Address
	// SignMessage signs an arbitrary 32-byte hash, used for the
	// canonical update hash.
	SignMessage(hash channel.Hash) ([]byte, error)
	// SignUtilityMessage signs an opaque out-of-band message, e.g. for
	// restore-protocol authentication.
	SignUtilityMessage(msg []byte) ([]byte, error)
	// Decrypt decrypts a payload addressed to this signer.
	Decrypt(payload []byte) ([]byte, error)
}

// ECDSASigner is the default Signer, backed by a secp256k1 private key
// held in memory via the geth adapter.
type ECDSASigner struct {
	id  channel.PublicIdentifier
	key *geth.PrivateKey
}

// NewECDSASigner wraps prv as a Signer with the given public identifier.
func NewECDSASigner(id channel.PublicIdentifier, prv *geth.PrivateKey) *ECDSASigner {
	return &ECDSASigner{id: id, key: prv}
}

// GenerateECDSASigner creates a new random key and wraps it as a Signer,
// for tests and single-process demos.
func GenerateECDSASigner(id channel.PublicIdentifier) (*ECDSASigner, error) {
	prv, err := geth.GenerateKey()
	if err != nil {
		return nil, channel.WrapError(channel.CannotGenerate, "generate signer key", err)
	}
	return NewECDSASigner(id, prv), nil
}

// PublicIdentifier implements Signer.
func (s *ECDSASigner) PublicIdentifier() channel.PublicIdentifier { return s.id }

// Address implements Signer.
func (s *ECDSASigner) Address() channel.Address {
	return geth.PubkeyToAddress(s.key)
}

// SignMessage implements Signer.
func (s *ECDSASigner) SignMessage(hash channel.Hash) ([]byte, error) {
	sig, err := geth.Sign(hash, s.key)
	if err != nil {
		return nil, channel.WrapError(channel.InvalidSignature, "sign message", err)
	}
	return sig, nil
}

// SignUtilityMessage implements Signer. Utility messages (e.g. restore
// confirmations) are signed over their Keccak256 hash, same as update
// hashes.
func (s *ECDSASigner) SignUtilityMessage(msg []byte) ([]byte, error) {
	return s.SignMessage(geth.Keccak256Hash(msg))
}

// Decrypt is unimplemented: payload encryption is a messaging-layer
// concern (key exchange, ECIES) entirely outside the update engine; the
// interface method exists so callers can depend on Signer uniformly, per
// spec.md §6.
func (s *ECDSASigner) Decrypt(payload []byte) ([]byte, error) {
	return nil, channel.NewError(channel.CannotGenerate, "ECDSASigner does not implement Decrypt")
}

// Verify checks that sig is a valid signature by signer over hash.
func Verify(signer channel.Address, hash channel.Hash, sig []byte) bool {
	return geth.VerifySignature(signer, hash, sig)
}
