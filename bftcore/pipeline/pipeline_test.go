package pipeline

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/executor"
	"github.com/ferrobft/bftcore/wire"
)

func batchReq(seq uint64) *wire.Request {
	data, _ := json.Marshal(wire.BatchClientRequest{Requests: nil})
	return &wire.Request{Kind: wire.NewTxns, Seq: seq, Data: data}
}

func TestPipelineExecutesOutOfOrderCommitsInSequence(t *testing.T) {
	exec := executor.New()

	var mu sync.Mutex
	var executed []uint64
	p := New(exec, Hooks{
		PostExecute: func(seq uint64, resp *wire.BatchClientResponse) {
			mu.Lock()
			executed = append(executed, seq)
			mu.Unlock()
		},
	})
	p.Start()
	defer p.Stop()

	// Commit seq 2 before seq 1: execution must still happen in order.
	p.Commit(batchReq(2))
	p.Commit(batchReq(1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executed) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2}, executed)
}

func TestMaxPendingExecutedSeqAdvancesOnContiguousCommit(t *testing.T) {
	exec := executor.New()
	p := New(exec, Hooks{})
	p.Start()
	defer p.Stop()

	require.Equal(t, uint64(0), p.MaxPendingExecutedSeq())

	p.Commit(batchReq(1))
	require.Eventually(t, func() bool {
		return p.MaxPendingExecutedSeq() == 1
	}, time.Second, 5*time.Millisecond)

	// A hole at seq 3 must not advance past seq 2 until seq 2 arrives.
	p.Commit(batchReq(3))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(1), p.MaxPendingExecutedSeq())

	p.Commit(batchReq(2))
	require.Eventually(t, func() bool {
		return p.MaxPendingExecutedSeq() == 3
	}, time.Second, 5*time.Millisecond)
}
