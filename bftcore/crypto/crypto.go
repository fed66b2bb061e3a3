// Package crypto provides content hashing, signing/verification, and
// the per-epoch public-key table (§3 "Public keys discovered via
// HEARTBEAT are permanent for the epoch"). Hashing follows the
// teacher's INRISeq pattern, reduced to the spec's required 32-byte
// SHA-256 digest; signing supports ED25519 (default) and secp256k1
// (the RSA-class slot in the wire hash_type enum, since the pack
// never imports real RSA).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/ferrobft/bftcore/errs"
	"github.com/ferrobft/bftcore/wire"
)

// ContentHash returns the SHA-256 digest of b (§3 "content hash").
func ContentHash(b []byte) wire.Hash {
	return wire.Hash(sha256.Sum256(b))
}

// ChainHash folds a new leaf hash into a running checkpoint hash chain:
// H(prev ‖ leaf), matching §3's "H(H(…H(H("") ‖ h1) … ‖ hs)".
func ChainHash(prev wire.Hash, leaf wire.Hash) wire.Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, prev[:]...)
	buf = append(buf, leaf[:]...)
	return ContentHash(buf)
}

// Signer signs and verifies payloads for one replica identity.
type Signer interface {
	NodeID() uint32
	HashType() wire.HashType
	Sign(payload []byte) ([]byte, error)
	Verify(pub []byte, payload, sig []byte) bool
	PublicKey() []byte
}

// Ed25519Signer is the default signer.
type Ed25519Signer struct {
	id      uint32
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// NewEd25519Signer generates a fresh key pair for replica id.
func NewEd25519Signer(id uint32) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{id: id, priv: priv, pub: pub}, nil
}

func (s *Ed25519Signer) NodeID() uint32          { return s.id }
func (s *Ed25519Signer) HashType() wire.HashType { return wire.HashED25519 }
func (s *Ed25519Signer) PublicKey() []byte       { return append([]byte(nil), s.pub...) }

func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

func (s *Ed25519Signer) Verify(pub []byte, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// Secp256k1Signer is the alternate signer selected by hash_type=RSA on
// the wire (the teacher's pack never imports real RSA; secp256k1 fills
// the "asymmetric, non-ED25519" slot, matching dcrd's usage pattern).
type Secp256k1Signer struct {
	id   uint32
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// NewSecp256k1Signer generates a fresh key pair for replica id.
func NewSecp256k1Signer(id uint32) (*Secp256k1Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Secp256k1Signer{id: id, priv: priv, pub: priv.PubKey()}, nil
}

func (s *Secp256k1Signer) NodeID() uint32          { return s.id }
func (s *Secp256k1Signer) HashType() wire.HashType { return wire.HashRSA }
func (s *Secp256k1Signer) PublicKey() []byte       { return s.pub.SerializeCompressed() }

func (s *Secp256k1Signer) Sign(payload []byte) ([]byte, error) {
	h := sha256.Sum256(payload)
	sig := ecdsa.Sign(s.priv, h[:])
	return sig.Serialize(), nil
}

func (s *Secp256k1Signer) Verify(pub []byte, payload, sig []byte) bool {
	p, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	h := sha256.Sum256(payload)
	return parsed.Verify(h[:], p)
}

// KeyEntry is one replica's known public key, along with which
// verifier scheme it signs with.
type KeyEntry struct {
	NodeID   uint32
	HashType wire.HashType
	PubKey   []byte
}

// KeyTable is the copy-on-write, reader/writer-locked table of peer
// public keys discovered via HEARTBEAT (§3). Once a key is learned for
// the epoch it never changes.
type KeyTable struct {
	mu      sync.RWMutex
	entries map[uint32]KeyEntry
}

// NewKeyTable returns an empty table.
func NewKeyTable() *KeyTable {
	return &KeyTable{entries: make(map[uint32]KeyEntry)}
}

// Learn records a peer's public key the first time it is seen.
// Subsequent calls for the same node id are no-ops: keys are permanent
// for the epoch.
func (kt *KeyTable) Learn(entry KeyEntry) {
	kt.mu.RLock()
	_, known := kt.entries[entry.NodeID]
	kt.mu.RUnlock()
	if known {
		return
	}

	kt.mu.Lock()
	defer kt.mu.Unlock()
	if _, known := kt.entries[entry.NodeID]; known {
		return
	}
	next := make(map[uint32]KeyEntry, len(kt.entries)+1)
	for k, v := range kt.entries {
		next[k] = v
	}
	next[entry.NodeID] = entry
	kt.entries = next
}

// Lookup returns the known key for nodeID, if any.
func (kt *KeyTable) Lookup(nodeID uint32) (KeyEntry, bool) {
	kt.mu.RLock()
	defer kt.mu.RUnlock()
	e, ok := kt.entries[nodeID]
	return e, ok
}

// Verifier checks a SignatureInfo against the KeyTable.
type Verifier struct {
	Keys *KeyTable
}

// NewVerifier wraps a KeyTable as a Verifier.
func NewVerifier(kt *KeyTable) *Verifier { return &Verifier{Keys: kt} }

// VerifyRequest verifies req.DataSignature against the sender's known
// key, over req's canonical bytes.
func (v *Verifier) VerifyRequest(req *wire.Request) error {
	if len(req.DataSignature) == 0 {
		return errs.New(errs.BadSignature, "VerifyRequest", fmt.Errorf("no signature present"))
	}
	entry, ok := v.Keys.Lookup(req.SenderID)
	if !ok {
		return errs.New(errs.BadSignature, "VerifyRequest", fmt.Errorf("unknown sender %d", req.SenderID))
	}
	payload, err := req.CanonicalBytes()
	if err != nil {
		return errs.New(errs.BadFraming, "VerifyRequest", err)
	}
	if !verifyWithType(entry.HashType, entry.PubKey, payload, req.DataSignature) {
		return errs.New(errs.BadSignature, "VerifyRequest", fmt.Errorf("signature mismatch for sender %d", req.SenderID))
	}
	return nil
}

// VerifyRequestHash verifies req.DataSignature against the sender's
// known key, over req.Hash alone rather than the full canonical
// encoding. COMMIT and CHECKPOINT carry a QC share signed this way, so
// every voter's share is comparable irrespective of that voter's own
// sender_id/view fields (§4.C, §4.E).
func (v *Verifier) VerifyRequestHash(req *wire.Request) error {
	if len(req.DataSignature) == 0 {
		return errs.New(errs.BadSignature, "VerifyRequestHash", fmt.Errorf("no signature present"))
	}
	entry, ok := v.Keys.Lookup(req.SenderID)
	if !ok {
		return errs.New(errs.BadSignature, "VerifyRequestHash", fmt.Errorf("unknown sender %d", req.SenderID))
	}
	if !verifyWithType(entry.HashType, entry.PubKey, req.Hash[:], req.DataSignature) {
		return errs.New(errs.BadSignature, "VerifyRequestHash", fmt.Errorf("signature mismatch for sender %d", req.SenderID))
	}
	return nil
}

// VerifySignatureInfo verifies an arbitrary payload against a single
// SignatureInfo using the sender's registered key.
func (v *Verifier) VerifySignatureInfo(kt *KeyTable, payload []byte, si wire.SignatureInfo) bool {
	entry, ok := kt.Lookup(si.NodeID)
	if !ok {
		return false
	}
	return verifyWithType(entry.HashType, entry.PubKey, payload, si.Signature)
}

func verifyWithType(ht wire.HashType, pub, payload, sig []byte) bool {
	switch ht {
	case wire.HashED25519:
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
	case wire.HashRSA:
		p, err := secp256k1.ParsePubKey(pub)
		if err != nil {
			return false
		}
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		h := sha256.Sum256(payload)
		return parsed.Verify(h[:], p)
	default:
		return false
	}
}
