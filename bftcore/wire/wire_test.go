package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	req := &Request{
		Kind:        Prepare,
		SenderID:    2,
		CurrentView: 3,
		Seq:         7,
		Hash:        Hash{0xaa, 0xbb},
		Data:        []byte("payload"),
	}
	env, err := NewEnvelope(req)
	require.NoError(t, err)

	frame, err := Encode(env)
	require.NoError(t, err)

	decoded, err := DecodeBytes(frame)
	require.NoError(t, err)

	got, err := decoded.Request()
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestCanonicalBytesStripsSignatureAndCert(t *testing.T) {
	req := &Request{
		Kind:          Commit,
		DataSignature: []byte("sig"),
		CommittedCert: []SignatureInfo{{NodeID: 1}},
	}
	b1, err := req.CanonicalBytes()
	require.NoError(t, err)

	req.DataSignature = []byte("different-sig")
	b2, err := req.CanonicalBytes()
	require.NoError(t, err)

	require.Equal(t, b1, b2)
}

func TestDecodeBytesRejectsLengthMismatch(t *testing.T) {
	_, err := DecodeBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestKeyOfDistinguishesByAllFields(t *testing.T) {
	a := &Request{Kind: Prepare, SenderID: 1, CurrentView: 1, Seq: 1, Hash: Hash{0x01}}
	b := &Request{Kind: Prepare, SenderID: 1, CurrentView: 1, Seq: 1, Hash: Hash{0x02}}
	require.NotEqual(t, KeyOf(a), KeyOf(b))

	c := *a
	c.Kind = Commit
	require.NotEqual(t, KeyOf(a), KeyOf(&c))
	c = *a
	c.SenderID = 2
	require.NotEqual(t, KeyOf(a), KeyOf(&c))
	c = *a
	c.CurrentView = 2
	require.NotEqual(t, KeyOf(a), KeyOf(&c))
	c = *a
	c.Seq = 2
	require.NotEqual(t, KeyOf(a), KeyOf(&c))
}
