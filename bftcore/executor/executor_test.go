package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrobft/bftcore/wire"
)

func TestExecuteBatchThenQuery(t *testing.T) {
	m := New()

	rec, err := json.Marshal(record{Key: "foo", Value: []byte("bar")})
	require.NoError(t, err)
	batch, err := json.Marshal(wire.BatchClientRequest{Requests: []wire.Request{{Data: rec}}})
	require.NoError(t, err)

	resp, err := m.ExecuteBatch(&wire.Request{Seq: 1, Data: batch})
	require.NoError(t, err)
	require.NotNil(t, resp)

	queryKey, err := json.Marshal(record{Key: "foo"})
	require.NoError(t, err)
	value, err := m.Query(&wire.Request{Data: queryKey})
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), value)
}

func TestQueryMissingKeyReturnsNil(t *testing.T) {
	m := New()
	queryKey, err := json.Marshal(record{Key: "missing"})
	require.NoError(t, err)
	value, err := m.Query(&wire.Request{Data: queryKey})
	require.NoError(t, err)
	require.Nil(t, value)
}
