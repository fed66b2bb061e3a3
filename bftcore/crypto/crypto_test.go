package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/wire"
)

func TestContentHashAndChainHashAreDeterministic(t *testing.T) {
	h1 := ContentHash([]byte("payload"))
	h2 := ContentHash([]byte("payload"))
	require.Equal(t, h1, h2)

	chained := ChainHash(wire.Hash{}, h1)
	require.NotEqual(t, h1, chained)
}

func TestEd25519SignerRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer(1)
	require.NoError(t, err)

	payload := []byte("hello")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.True(t, signer.Verify(signer.PublicKey(), payload, sig))
	require.False(t, signer.Verify(signer.PublicKey(), []byte("tampered"), sig))
}

func TestSecp256k1SignerRoundTrip(t *testing.T) {
	signer, err := NewSecp256k1Signer(1)
	require.NoError(t, err)

	payload := []byte("hello")
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.True(t, signer.Verify(signer.PublicKey(), payload, sig))
	require.False(t, signer.Verify(signer.PublicKey(), []byte("tampered"), sig))
}

func TestKeyTableLearnIsPermanentForEpoch(t *testing.T) {
	kt := NewKeyTable()
	kt.Learn(KeyEntry{NodeID: 1, HashType: wire.HashED25519, PubKey: []byte("a")})
	kt.Learn(KeyEntry{NodeID: 1, HashType: wire.HashED25519, PubKey: []byte("b")})

	entry, ok := kt.Lookup(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), entry.PubKey)
}

func TestVerifyRequestRejectsUnknownSenderAndMissingSignature(t *testing.T) {
	kt := NewKeyTable()
	v := NewVerifier(kt)

	req := &wire.Request{SenderID: 1}
	require.Error(t, v.VerifyRequest(req))

	req.DataSignature = []byte("sig")
	require.Error(t, v.VerifyRequest(req))
}

func TestVerifyRequestAcceptsValidSignature(t *testing.T) {
	signer, err := NewEd25519Signer(1)
	require.NoError(t, err)

	kt := NewKeyTable()
	kt.Learn(KeyEntry{NodeID: 1, HashType: wire.HashED25519, PubKey: signer.PublicKey()})
	v := NewVerifier(kt)

	req := &wire.Request{SenderID: 1, Seq: 5}
	payload, err := req.CanonicalBytes()
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	req.DataSignature = sig

	require.NoError(t, v.VerifyRequest(req))
}
