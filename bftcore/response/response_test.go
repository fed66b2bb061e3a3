package response

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/wire"
)

type fakeProposer struct {
	proposals []*wire.Request
}

func (f *fakeProposer) ProcessPropose(req *wire.Request) error {
	f.proposals = append(f.proposals, req)
	return nil
}

type fakeExecutor struct{}

func (fakeExecutor) Query(req *wire.Request) ([]byte, error) { return []byte("ok"), nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Replica.ReplicaNum = 4
	cfg.Batch.BatchTransactionNum = 2
	return cfg
}

func TestHandleClientRequestFlushesAtBatchSize(t *testing.T) {
	proposer := &fakeProposer{}
	c := New(testConfig(), collector.NewRegistry(), proposer, fakeExecutor{}, 1)

	require.NoError(t, c.HandleClientRequest(&wire.Request{Kind: wire.ClientRequest, SenderID: 1}))
	require.Empty(t, proposer.proposals)
	require.NoError(t, c.HandleClientRequest(&wire.Request{Kind: wire.ClientRequest, SenderID: 2}))
	require.Len(t, proposer.proposals, 1)
	require.Equal(t, wire.NewTxns, proposer.proposals[0].Kind)
}

func TestNotifyResponseRequiresFPlusOneAgreement(t *testing.T) {
	proposer := &fakeProposer{}
	cfg := testConfig() // N=4, f=1, needs 2 matching replies
	c := New(cfg, collector.NewRegistry(), proposer, fakeExecutor{}, 1)

	resp := wire.BatchClientResponse{Reply: wire.ClientReplyInfo{ProxyID: 7, LocalID: 42}, Data: []byte("result")}

	_, delivered := c.NotifyResponse(resp)
	require.False(t, delivered)

	agreed, delivered := c.NotifyResponse(resp)
	require.True(t, delivered)
	require.Equal(t, resp.Data, agreed.Data)
}
