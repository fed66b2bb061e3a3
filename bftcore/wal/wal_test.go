package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/wire"
)

func TestAppendAndReplay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	l, err := Open(dir, SystemInfo{CurrentView: 1, PrimaryID: 1}, 0)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 5; seq++ {
		req := &wire.Request{Kind: wire.PrePrepare, SenderID: 1, CurrentView: 1, Seq: seq, Hash: wire.Hash{byte(seq)}}
		require.NoError(t, l.Append(req))
	}
	require.NoError(t, l.Close())

	var seen []uint64
	err = Replay(dir, 0, func(req *wire.Request) error {
		seen = append(seen, req.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)
}

func TestReplaySkipsSegmentsCoveredByStableCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	l, err := Open(dir, SystemInfo{CurrentView: 1, PrimaryID: 1}, 0)
	require.NoError(t, err)
	require.NoError(t, l.Append(&wire.Request{Kind: wire.PrePrepare, Seq: 1}))
	require.NoError(t, l.Append(&wire.Request{Kind: wire.PrePrepare, Seq: 2}))
	require.NoError(t, l.Rotate(SystemInfo{CurrentView: 1, PrimaryID: 1}, 2))
	require.NoError(t, l.Append(&wire.Request{Kind: wire.PrePrepare, Seq: 3}))
	require.NoError(t, l.Close())

	var seen []uint64
	err = Replay(dir, 2, func(req *wire.Request) error {
		seen = append(seen, req.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, seen)
}
