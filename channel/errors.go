package channel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a channel-core failure, per the error kinds listed
// in the update engine's error-handling design.
type ErrorKind int

const (
	// BadUpdateType is returned for an update.Type the core does not
	// recognize.
	BadUpdateType ErrorKind = iota + 1
	// InvalidParams is returned when UpdateParams fails schema validation.
	InvalidParams
	// StaleUpdate is returned when an inbound update's nonce is <= the
	// local prior nonce.
	StaleUpdate
	// InvalidNonce is returned for nonce-adjacent failures other than
	// staleness (e.g. a generator producing a non-contiguous nonce).
	InvalidNonce
	// InvalidSignature is returned when a signature fails to verify
	// against the canonical update hash.
	InvalidSignature
	// MerkleRootMismatch is returned when a recomputed Merkle root
	// disagrees with the root carried on an update.
	MerkleRootMismatch
	// BalanceMismatch is returned when the conservation-of-funds
	// invariant fails to hold for a candidate next state.
	BalanceMismatch
	// CannotGenerate is returned by the generator for missing transfers,
	// arithmetic underflow, or other non-chain-service generation
	// failures.
	CannotGenerate
	// ChainServiceFailure wraps an error surfaced by ChainReader or
	// ChainService.
	ChainServiceFailure
	// StoreFailure wraps an error surfaced by Store.
	StoreFailure
	// MessagingTimeout is returned when a round-trip exceeds its
	// wall-clock timeout.
	MessagingTimeout
	// AcquireLockFailed is returned when the per-channel lock cannot be
	// acquired before its timeout.
	AcquireLockFailed
	// ApplyUpdateFailed is returned by the state transition for
	// arithmetic underflow or an inconsistent prev/update pairing.
	ApplyUpdateFailed
	// RestoreFailed is returned when a restore attempt fails one of its
	// verification checks; Field carries the sub-reason (see
	// RestoreReason* constants below).
	RestoreFailed
)

// String renders the error kind for logging.
func (k ErrorKind) String() string {
	switch k {
	case BadUpdateType:
		return "BadUpdateType"
	case InvalidParams:
		return "InvalidParams"
	case StaleUpdate:
		return "StaleUpdate"
	case InvalidNonce:
		return "InvalidNonce"
	case InvalidSignature:
		return "InvalidSignature"
	case MerkleRootMismatch:
		return "MerkleRootMismatch"
	case BalanceMismatch:
		return "BalanceMismatch"
	case CannotGenerate:
		return "CannotGenerate"
	case ChainServiceFailure:
		return "ChainServiceFailure"
	case StoreFailure:
		return "StoreFailure"
	case MessagingTimeout:
		return "MessagingTimeout"
	case AcquireLockFailed:
		return "AcquireLockFailed"
	case ApplyUpdateFailed:
		return "ApplyUpdateFailed"
	case RestoreFailed:
		return "RestoreFailed"
	default:
		return "Unknown"
	}
}

// Sub-reasons for RestoreFailed, carried in Error.Field.
const (
	RestoreReasonInvalidChannelAddress = "InvalidChannelAddress"
	RestoreReasonInvalidSignatures     = "InvalidSignatures"
	RestoreReasonInvalidMerkleRoot     = "InvalidMerkleRoot"
	RestoreReasonSyncableState         = "SyncableState"
	RestoreReasonSaveFailed            = "SaveFailed"
)

// Error is the structured error type returned by every channel-core
// operation. It always carries enough context to identify the offending
// channel, the nonce(s) involved, and the violating field, per the
// update engine's "every error carries context" rule.
type Error struct {
	Kind           ErrorKind
	ChannelAddress Address
	Nonce          uint64
	Field          string
	Message        string
	Cause          error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.ChannelAddress != ZeroAddress {
		msg = fmt.Sprintf("%s: channel=%s", msg, e.ChannelAddress.Hex())
	}
	if e.Nonce != 0 {
		msg = fmt.Sprintf("%s nonce=%d", msg, e.Nonce)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s field=%s", msg, e.Field)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an Error of the given kind with a message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs an Error of the given kind wrapping cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithChannel returns e with ChannelAddress set, for chaining at the call
// site that has the channel in scope.
func (e *Error) WithChannel(addr Address) *Error {
	e.ChannelAddress = addr
	return e
}

// WithNonce returns e with Nonce set.
func (e *Error) WithNonce(nonce uint64) *Error {
	e.Nonce = nonce
	return e
}

// WithField returns e with Field set.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// KindOf returns the ErrorKind of err if it is (or wraps) a *Error, and
// false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
