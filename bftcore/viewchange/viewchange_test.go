package viewchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/checkpoint"
	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/pending"
	"github.com/ferrobft/bftcore/wire"
)

type nullBroadcaster struct{}

func (nullBroadcaster) Broadcast(req *wire.Request) error { return nil }

type nullProposer struct{ calls []*wire.Request }

func (p *nullProposer) ProcessPropose(req *wire.Request) error {
	p.calls = append(p.calls, req)
	return nil
}

func testManager(t *testing.T) (*Manager, *crypto.KeyTable, []*crypto.Ed25519Signer) {
	t.Helper()
	cfg := config.Default()
	cfg.Replica.ReplicaNum = 4
	cfg.Checkpoint.WaterMark = 2

	keys := crypto.NewKeyTable()
	signers := make([]*crypto.Ed25519Signer, 4)
	for i := 0; i < 4; i++ {
		s, err := crypto.NewEd25519Signer(uint32(i + 1))
		require.NoError(t, err)
		signers[i] = s
		keys.Learn(crypto.KeyEntry{NodeID: s.NodeID(), HashType: s.HashType(), PubKey: s.PublicKey()})
	}

	ckpt := checkpoint.New(cfg, signers[0], keys, nullBroadcaster{}, collector.NewRegistry())
	m := New(cfg, signers[0], keys, nullBroadcaster{}, collector.NewRegistry(), ckpt, pending.New(), &nullProposer{})
	return m, keys, signers
}

func TestValidateRejectsNonIncreasingView(t *testing.T) {
	m, _, _ := testManager(t)
	rec := wire.ViewChangeRecord{ViewNumber: 1}
	require.Error(t, m.validate(rec))
}

func TestValidateRejectsInvalidCheckpointProof(t *testing.T) {
	m, _, _ := testManager(t)
	rec := wire.ViewChangeRecord{
		ViewNumber: 2,
		StableCkpt: wire.StableCheckpoint{Seq: 5, Hash: wire.Hash{0x01}}, // no signatures, non-genesis
	}
	require.Error(t, m.validate(rec))
}

func TestValidateAcceptsGenesisCheckpointWithNoPreparedMsgs(t *testing.T) {
	m, _, _ := testManager(t)
	rec := wire.ViewChangeRecord{ViewNumber: 2}
	require.NoError(t, m.validate(rec))
}

func TestValidateRejectsPreparedProofBelowQuorum(t *testing.T) {
	m, _, signers := testManager(t)
	req := wire.Request{Seq: 1, CurrentView: 1, Hash: wire.Hash{0x07}}
	sig, err := signers[0].Sign(req.Hash[:])
	require.NoError(t, err)

	rec := wire.ViewChangeRecord{
		ViewNumber: 2,
		PreparedMsgs: []wire.PreparedMsg{{
			Seq: 1,
			Proof: []wire.PreparedProof{
				{Request: req, Signature: sig},
			},
		}},
	}
	require.Error(t, m.validate(rec)) // only 1 of 3 required proofs
}

func TestValidateAcceptsPreparedProofAtQuorum(t *testing.T) {
	m, _, signers := testManager(t)
	req := wire.Request{Seq: 1, CurrentView: 1, Hash: wire.Hash{0x07}}

	// Each COMMIT QC share is signed by its own voter over the request
	// hash alone (§4.C), so every proof entry carries a distinct
	// SenderID attributing its signature to the replica that cast it.
	var proof []wire.PreparedProof
	for i := 0; i < 3; i++ {
		sig, err := signers[i].Sign(req.Hash[:])
		require.NoError(t, err)
		r := req
		r.SenderID = signers[i].NodeID()
		proof = append(proof, wire.PreparedProof{Request: r, Signature: sig})
	}

	rec := wire.ViewChangeRecord{
		ViewNumber:   2,
		PreparedMsgs: []wire.PreparedMsg{{Seq: 1, Proof: proof}},
	}
	require.NoError(t, m.validate(rec))
}

func TestSynthesizeRequestsFillsHolesWithNoops(t *testing.T) {
	req := wire.Request{Seq: 2, CurrentView: 1, Hash: wire.Hash{0x09}}
	records := []wire.ViewChangeRecord{
		{
			StableCkpt:   wire.StableCheckpoint{Seq: 0},
			PreparedMsgs: []wire.PreparedMsg{{Seq: 2, Proof: []wire.PreparedProof{{Request: req}}}},
		},
	}
	out := synthesizeRequests(records, 5, nil)
	require.Len(t, out, 2) // seq 1 (no-op) and seq 2 (re-proposed)
	require.Equal(t, uint64(1), out[0].Seq)
	require.Equal(t, wire.PrePrepare, out[0].Kind)
	require.Nil(t, out[0].Data)
	require.Equal(t, uint64(2), out[1].Seq)
	require.Equal(t, uint64(5), out[1].CurrentView)
}

func TestSnapshotReflectsStatus(t *testing.T) {
	m, _, _ := testManager(t)
	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.View)
	require.False(t, snap.InViewChange)
}
