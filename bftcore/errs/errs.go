// Package errs classifies the failure taxonomy of the consensus core:
// which errors are swallowed at a component boundary (recorded as a
// metric/log line) and which ones must crash the replica so that WAL
// recovery becomes the source of truth.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags an error with how the rest of the system must react to it.
type Kind int

const (
	// BadFraming: malformed length prefix or truncated payload.
	BadFraming Kind = iota
	// BadSignature: envelope or inner signature fails verification.
	BadSignature
	// StaleMessage: view or sequence below the stable checkpoint.
	StaleMessage
	// DuplicateVote: sender already voted for this (kind, seq, hash).
	DuplicateVote
	// StateViolation: the collector is already EXECUTED.
	StateViolation
	// QuorumFailure: internal consistency check fails (fewer proofs than 2f+1).
	QuorumFailure
	// DurabilityFailure: WAL write or fsync failed. Fatal.
	DurabilityFailure
	// TimeoutFired: CheckpointKeeper silence timer fired.
	TimeoutFired
	// PeerUnreachable: send to a specific replica failed. Tolerated.
	PeerUnreachable
	// UnsupportedHashType: a wire signature type with no local verifier.
	UnsupportedHashType
)

func (k Kind) String() string {
	switch k {
	case BadFraming:
		return "bad_framing"
	case BadSignature:
		return "bad_signature"
	case StaleMessage:
		return "stale_message"
	case DuplicateVote:
		return "duplicate_vote"
	case StateViolation:
		return "state_violation"
	case QuorumFailure:
		return "quorum_failure"
	case DurabilityFailure:
		return "durability_failure"
	case TimeoutFired:
		return "timeout_fired"
	case PeerUnreachable:
		return "peer_unreachable"
	case UnsupportedHashType:
		return "unsupported_hash_type"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must crash the replica
// rather than be swallowed at the component boundary (§7).
func (k Kind) Fatal() bool {
	return k == DurabilityFailure
}

// Error is a classified error carrying a Kind alongside the usual
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
