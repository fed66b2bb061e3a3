package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuorumAndPrimaryArithmetic(t *testing.T) {
	cfg := Default()
	cfg.Replica.ReplicaNum = 4 // f=1

	require.Equal(t, uint32(1), cfg.MaxFaulty())
	require.Equal(t, uint32(3), cfg.QuorumSize())

	require.Equal(t, uint32(1), cfg.Primary(1))
	require.Equal(t, uint32(2), cfg.Primary(2))
	require.Equal(t, uint32(4), cfg.Primary(4))
	require.Equal(t, uint32(1), cfg.Primary(5))
}

func TestValidateRejectsBadReplicaNum(t *testing.T) {
	cfg := Default()
	cfg.Replica.ReplicaNum = 5 // not 3f+1
	require.Error(t, cfg.Validate())

	cfg.Replica.ReplicaNum = 4
	cfg.Replica.ID = 0
	require.Error(t, cfg.Validate())
}

func TestLoadFallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Batch.BatchTransactionNum, cfg.Batch.BatchTransactionNum)
}
