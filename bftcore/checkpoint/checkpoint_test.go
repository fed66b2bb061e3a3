package checkpoint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/wire"
)

type recordingBroadcaster struct {
	mu  sync.Mutex
	got []*wire.Request
}

func (b *recordingBroadcaster) Broadcast(req *wire.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, req)
	return nil
}

func testCfg() *config.Config {
	cfg := config.Default()
	cfg.Replica.ReplicaNum = 4
	cfg.Checkpoint.WaterMark = 2
	return cfg
}

func TestNotifyCommittedBroadcastsOnlyAtWatermark(t *testing.T) {
	cfg := testCfg()
	signer, err := crypto.NewEd25519Signer(1)
	require.NoError(t, err)
	bc := &recordingBroadcaster{}
	k := New(cfg, signer, crypto.NewKeyTable(), bc, collector.NewRegistry())

	require.NoError(t, k.NotifyCommitted(&wire.Request{Seq: 1, Hash: wire.Hash{0x01}}))
	require.Empty(t, bc.got)

	require.NoError(t, k.NotifyCommitted(&wire.Request{Seq: 2, Hash: wire.Hash{0x02}}))
	require.Len(t, bc.got, 1)
	require.Equal(t, wire.Checkpoint, bc.got[0].Kind)
	require.Equal(t, uint64(2), bc.got[0].Seq)
}

func TestProcessCheckpointPromotesAtQuorumAndEvictsCollectors(t *testing.T) {
	cfg := testCfg()
	signer, err := crypto.NewEd25519Signer(1)
	require.NoError(t, err)
	registry := collector.NewRegistry()
	registry.GetOrCreate(1)
	registry.GetOrCreate(2)
	registry.GetOrCreate(3)

	k := New(cfg, signer, crypto.NewKeyTable(), &recordingBroadcaster{}, registry)

	hash := wire.Hash{0x42}
	for id := uint32(1); id <= 3; id++ {
		err := k.ProcessCheckpoint(&wire.Request{Kind: wire.Checkpoint, SenderID: id, Seq: 2, Hash: hash})
		require.NoError(t, err)
	}

	require.Equal(t, uint64(2), k.StableCheckpoint())
	require.Equal(t, 1, registry.Len()) // only seq 3 survives eviction up to 2

	proof := k.StableCheckpointWithVotes()
	require.Len(t, proof.Signatures, 3)
}

func TestProcessCheckpointRejectsStaleAndDuplicateVotes(t *testing.T) {
	cfg := testCfg()
	signer, err := crypto.NewEd25519Signer(1)
	require.NoError(t, err)
	k := New(cfg, signer, crypto.NewKeyTable(), &recordingBroadcaster{}, collector.NewRegistry())

	hash := wire.Hash{0x01}
	require.NoError(t, k.ProcessCheckpoint(&wire.Request{Kind: wire.Checkpoint, SenderID: 1, Seq: 2, Hash: hash}))
	require.Error(t, k.ProcessCheckpoint(&wire.Request{Kind: wire.Checkpoint, SenderID: 1, Seq: 2, Hash: hash}))

	// Two more senders promote seq 2; a later vote for seq 2 is stale.
	require.NoError(t, k.ProcessCheckpoint(&wire.Request{Kind: wire.Checkpoint, SenderID: 2, Seq: 2, Hash: hash}))
	require.NoError(t, k.ProcessCheckpoint(&wire.Request{Kind: wire.Checkpoint, SenderID: 3, Seq: 2, Hash: hash}))
	require.Equal(t, uint64(2), k.StableCheckpoint())
	require.Error(t, k.ProcessCheckpoint(&wire.Request{Kind: wire.Checkpoint, SenderID: 4, Seq: 2, Hash: hash}))
}

func TestIsValidCheckpointProofAcceptsGenesis(t *testing.T) {
	cfg := testCfg()
	signer, err := crypto.NewEd25519Signer(1)
	require.NoError(t, err)
	k := New(cfg, signer, crypto.NewKeyTable(), &recordingBroadcaster{}, collector.NewRegistry())

	require.True(t, k.IsValidCheckpointProof(wire.StableCheckpoint{}))
}
