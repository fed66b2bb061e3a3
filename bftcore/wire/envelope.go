// Package wire defines the on-the-wire envelope and Request contract
// (§6) and the length-prefixed codec used to frame them. The actual
// socket accept loop lives outside this module's scope (§1); this
// package only encodes/decodes what arrives on that channel.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags the protocol role of a Request.
type Kind int

const (
	ClientRequest Kind = iota
	NewTxns
	PrePrepare
	Prepare
	Commit
	Checkpoint
	ViewChange
	NewView
	Heartbeat
	Query
	ReplicaState
	CustomConsensus
)

func (k Kind) String() string {
	switch k {
	case ClientRequest:
		return "CLIENT_REQUEST"
	case NewTxns:
		return "NEW_TXNS"
	case PrePrepare:
		return "PRE_PREPARE"
	case Prepare:
		return "PREPARE"
	case Commit:
		return "COMMIT"
	case Checkpoint:
		return "CHECKPOINT"
	case ViewChange:
		return "VIEWCHANGE"
	case NewView:
		return "NEWVIEW"
	case Heartbeat:
		return "HEARTBEAT"
	case Query:
		return "QUERY"
	case ReplicaState:
		return "REPLICA_STATE"
	case CustomConsensus:
		return "CUSTOM_CONSENSUS"
	default:
		return "UNKNOWN"
	}
}

// HashType identifies the signature scheme used over a payload.
type HashType int

const (
	HashRSA HashType = iota
	HashED25519
	HashCMACAES
)

// Hash is a 32-byte SHA-256 content digest.
type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// IsZero reports whether h is the all-zero digest (used for the
// genesis checkpoint).
func (h Hash) IsZero() bool { return h == Hash{} }

// SignatureInfo is a single signer's signature over a hash, as carried
// in checkpoint and commit-certificate proof lists.
type SignatureInfo struct {
	NodeID    uint32   `json:"node_id"`
	Signature []byte   `json:"signature"`
	HashType  HashType `json:"hash_type"`
}

// Request is the inner protocol unit every Kind of message wraps
// (§3 "Request").
type Request struct {
	Kind          Kind            `json:"kind"`
	SenderID      uint32          `json:"sender_id"`
	CurrentView   uint64          `json:"current_view"`
	Seq           uint64          `json:"seq"`
	Hash          Hash            `json:"hash"`
	Data          []byte          `json:"data"`
	RegionInfo    uint32          `json:"region_info,omitempty"`
	CommittedCert []SignatureInfo `json:"committed_certs,omitempty"`
	DataSignature []byte          `json:"data_signature,omitempty"`
}

// CanonicalBytes returns the deterministic byte representation used as
// the signing input (DataSignature and CommittedCert left out), so the
// same bytes are produced on both sender and verifier (§9 "a builder that emits the
// canonical byte representation once").
func (r *Request) CanonicalBytes() ([]byte, error) {
	clone := *r
	clone.DataSignature = nil
	clone.CommittedCert = nil
	return json.Marshal(&clone)
}

// Envelope is the outer signed wrapper carrying exactly one Request.
type Envelope struct {
	Payload   []byte         `json:"payload"`
	Signature *SignatureInfo `json:"signature,omitempty"`
}

// NewEnvelope marshals req into an unsigned Envelope.
func NewEnvelope(req *Request) (*Envelope, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return &Envelope{Payload: b}, nil
}

// Request unmarshals the envelope's payload back into a Request.
func (e *Envelope) Request() (*Request, error) {
	var r Request
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Encode serializes the envelope as an 8-byte little-endian length
// prefix followed by the JSON body (§6 "Wire envelope").
func Encode(e *Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(out[:8], uint64(len(body)))
	copy(out[8:], body)
	return out, nil
}

// Decode reads one length-prefixed envelope from r.
func Decode(r io.Reader) (*Envelope, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	const maxFrame = 64 << 20
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("wire: invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return &e, nil
}

// DecodeBytes parses a single length-prefixed frame already fully
// buffered in memory (the common case once the transport layer has
// reassembled a TCP stream into discrete frames).
func DecodeBytes(b []byte) (*Envelope, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("wire: frame shorter than length prefix")
	}
	n := binary.LittleEndian.Uint64(b[:8])
	if uint64(len(b)-8) != n {
		return nil, fmt.Errorf("wire: declared length %d does not match body %d", n, len(b)-8)
	}
	var e Envelope
	if err := json.Unmarshal(b[8:], &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return &e, nil
}

// VoteKey identifies a unique (kind, sender, view, seq, hash) tuple
// for MessageGate's duplicate-detection cache.
type VoteKey struct {
	Kind   Kind
	Sender uint32
	View   uint64
	Seq    uint64
	Hash   Hash
}

// KeyOf derives the dedup key for a Request.
func KeyOf(r *Request) VoteKey {
	return VoteKey{Kind: r.Kind, Sender: r.SenderID, View: r.CurrentView, Seq: r.Seq, Hash: r.Hash}
}
