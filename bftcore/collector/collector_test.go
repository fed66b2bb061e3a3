package collector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/wire"
)

func TestBitmapSetIsIdempotentAndCounts(t *testing.T) {
	var bm Bitmap
	require.True(t, bm.Set(3))
	require.False(t, bm.Set(3))
	require.True(t, bm.Set(70))
	require.Equal(t, 2, bm.Count())
}

func TestSetMainFirstWriteWins(t *testing.T) {
	c := New(1)
	first := &wire.Request{Hash: wire.Hash{0x01}, CurrentView: 1}
	second := &wire.Request{Hash: wire.Hash{0x02}, CurrentView: 1}

	require.True(t, c.SetMain(first))
	require.False(t, c.SetMain(second))

	main, ok := c.Main()
	require.True(t, ok)
	require.Equal(t, first, main)
}

func TestSetMainAllowsHigherViewReplaceBeforeReadyCommit(t *testing.T) {
	c := New(1)
	v1 := &wire.Request{Hash: wire.Hash{0x01}, CurrentView: 1}
	v2 := &wire.Request{Hash: wire.Hash{0x02}, CurrentView: 2}

	require.True(t, c.SetMain(v1))
	require.True(t, c.SetMain(v2))

	main, ok := c.Main()
	require.True(t, ok)
	require.Equal(t, v2, main)
}

func TestAddPrepareReachesQuorumExactlyOnce(t *testing.T) {
	c := New(1)
	hash := wire.Hash{0xaa}

	_, justPrepared := c.AddPrepare(1, hash, 3)
	require.False(t, justPrepared)
	_, justPrepared = c.AddPrepare(2, hash, 3)
	require.False(t, justPrepared)
	count, justPrepared := c.AddPrepare(3, hash, 3)
	require.Equal(t, 3, count)
	require.True(t, justPrepared)
	require.Equal(t, ReadyCommit, c.State())

	// A fourth vote still counts but does not re-fire justPrepared.
	_, justPrepared = c.AddPrepare(4, hash, 3)
	require.False(t, justPrepared)
}

func TestAddCommitReachesQuorumAndMarksExecuted(t *testing.T) {
	c := New(1)
	hash := wire.Hash{0xbb}

	c.AddCommit(1, hash, wire.SignatureInfo{NodeID: 1}, 2)
	_, justCommitted := c.AddCommit(2, hash, wire.SignatureInfo{NodeID: 2}, 2)
	require.True(t, justCommitted)
	require.Equal(t, ReadyExecute, c.State())
	require.Len(t, c.CommitQC(), 2)

	require.True(t, c.MarkExecuted())
	require.Equal(t, Executed, c.State())
	require.False(t, c.MarkExecuted())
}

func TestRegistryGetOrCreateAndEvict(t *testing.T) {
	r := NewRegistry()
	c1 := r.GetOrCreate(1)
	c1again := r.GetOrCreate(1)
	require.Same(t, c1, c1again)

	r.GetOrCreate(2)
	r.GetOrCreate(5)
	require.Equal(t, 3, r.Len())

	evicted := r.EvictUpTo(2)
	require.Equal(t, 2, evicted)
	require.Equal(t, 1, r.Len())

	_, ok := r.Get(5)
	require.True(t, ok)

	in := r.SeqsInRange(0, 10)
	require.ElementsMatch(t, []uint64{5}, in)
}
