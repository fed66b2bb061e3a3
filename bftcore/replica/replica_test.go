package replica

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/executor"
	"github.com/ferrobft/bftcore/wire"
)

// fanoutBroadcaster delivers a Request to every replica's Gate except
// the one that originated it, modeling a perfect-delivery transport
// for the purpose of exercising the wired protocol end to end.
type fanoutBroadcaster struct {
	mu       sync.Mutex
	replicas map[uint32]*Replica
}

func (b *fanoutBroadcaster) Broadcast(req *wire.Request) error {
	b.mu.Lock()
	targets := make([]*Replica, 0, len(b.replicas))
	for id, r := range b.replicas {
		if id == req.SenderID {
			continue
		}
		targets = append(targets, r)
	}
	b.mu.Unlock()

	for _, r := range targets {
		reqCopy := *req
		if err := r.Gate.Receive(&reqCopy); err != nil {
			// Expected for stale/duplicate redeliveries in this fan-out
			// model; real transport failures are PeerUnreachable, not
			// protocol errors.
			_ = err
		}
	}
	return nil
}

func fourNodeCluster(t *testing.T) ([]*Replica, *fanoutBroadcaster, []*crypto.Ed25519Signer) {
	t.Helper()
	const n = 4

	cfg := config.Default()
	cfg.Replica.ReplicaNum = n
	cfg.Checkpoint.WaterMark = 2

	signers := make([]*crypto.Ed25519Signer, n)
	keys := crypto.NewKeyTable()
	for i := 0; i < n; i++ {
		s, err := crypto.NewEd25519Signer(uint32(i + 1))
		require.NoError(t, err)
		signers[i] = s
		keys.Learn(crypto.KeyEntry{NodeID: s.NodeID(), HashType: s.HashType(), PubKey: s.PublicKey()})
	}

	broadcaster := &fanoutBroadcaster{replicas: make(map[uint32]*Replica)}

	replicas := make([]*Replica, n)
	for i := 0; i < n; i++ {
		rc := *cfg
		rc.Replica.ID = uint32(i + 1)
		walDir := filepath.Join(t.TempDir(), "wal")
		r, err := New(&rc, signers[i], keys, broadcaster, executor.New(), walDir)
		require.NoError(t, err)
		replicas[i] = r
		broadcaster.replicas[uint32(i+1)] = r
	}

	for _, r := range replicas {
		r.Start()
	}
	t.Cleanup(func() {
		for _, r := range replicas {
			r.Stop()
		}
	})

	return replicas, broadcaster, signers
}

func TestFourNodeClusterCommitsAcrossAllReplicas(t *testing.T) {
	replicas, _, signers := fourNodeCluster(t)

	data, err := json.Marshal(wire.BatchClientRequest{Requests: nil})
	require.NoError(t, err)
	hash := crypto.ContentHash(data)

	primary := replicas[0]
	req := &wire.Request{
		Kind:        wire.PrePrepare,
		SenderID:    primary.Config.Replica.ID,
		CurrentView: 1,
		Seq:         1,
		Hash:        hash,
		Data:        data,
	}
	payload, err := req.CanonicalBytes()
	require.NoError(t, err)
	sig, err := signers[0].Sign(payload)
	require.NoError(t, err)
	req.DataSignature = sig

	require.NoError(t, primary.Commitment.ProcessPropose(req))

	for _, r := range replicas {
		require.Eventually(t, func() bool {
			col, ok := r.Registry.Get(1)
			return ok && col.State() == collector.Executed
		}, 2*time.Second, 5*time.Millisecond, "replica %d never executed seq 1", r.Config.Replica.ID)
	}
}
