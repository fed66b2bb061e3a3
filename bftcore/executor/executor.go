// Package executor provides an in-memory reference application state
// machine satisfying pipeline.Executor and response.Executor, used by
// tests and by cmd/replica when no real application is configured.
// The key/value table and its versioning mirror the teacher's vault
// accounts table (internal/cerera/storage/vault.go), reduced to plain
// bytes since the application payload format is out of this module's
// scope (§1 Non-goals).
package executor

import (
	"encoding/json"
	"sync"

	"github.com/ferrobft/bftcore/wire"
)

// versionedValue pairs a value with the sequence it was written at.
// The stale-read switch (WithStaleReads) is stored on Memory, but Query
// reads the same committed table whether or not it is set.
type versionedValue struct {
	Data []byte
	Seq  uint64
}

// Memory is a trivial deterministic key-value state machine.
type Memory struct {
	mu              sync.RWMutex
	table           map[string]versionedValue
	outOfOrder      bool
	allowStaleReads bool
}

// Option configures a Memory executor.
type Option func(*Memory)

// WithOutOfOrderExecution opts into the pipeline's speculative
// out-of-order execute path (§4.D, §5).
func WithOutOfOrderExecution() Option {
	return func(m *Memory) { m.outOfOrder = true }
}

// WithStaleReads sets the executor's stale-read switch. Query does not
// consult it: with or without it, Query returns the value written by
// the latest completed ExecuteBatch and never waits on a write at a
// higher sequence.
func WithStaleReads() Option {
	return func(m *Memory) { m.allowStaleReads = true }
}

// New returns an empty Memory executor.
func New(opts ...Option) *Memory {
	m := &Memory{table: make(map[string]versionedValue)}
	for _, o := range opts {
		o(m)
	}
	return m
}

// record is the wire shape of one (key, value) write inside a batch.
type record struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ExecuteBatch implements pipeline.Executor: it decodes the NEW_TXNS
// payload's constituent requests as key/value writes and applies them
// in order, skipping any that do not decode as a record. It returns a
// single response for the whole batch, with Reply.LocalID set to the
// batch's sequence and Data set to the batch's hash; it does not build
// a reply per constituent request.
func (m *Memory) ExecuteBatch(req *wire.Request) (*wire.BatchClientResponse, error) {
	var batch wire.BatchClientRequest
	if err := json.Unmarshal(req.Data, &batch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, inner := range batch.Requests {
		var rec record
		if err := json.Unmarshal(inner.Data, &rec); err != nil {
			continue
		}
		m.table[rec.Key] = versionedValue{Data: rec.Value, Seq: req.Seq}
	}
	m.mu.Unlock()

	return &wire.BatchClientResponse{
		Reply: wire.ClientReplyInfo{LocalID: req.Seq},
		Data:  req.Hash[:],
	}, nil
}

// NeedsResponse reports that client replies are expected (§6).
func (m *Memory) NeedsResponse() bool { return true }

// IsOutOfOrder implements pipeline.Executor.
func (m *Memory) IsOutOfOrder() bool { return m.outOfOrder }

// Query implements response.Executor: a read-only lookup that never
// touches consensus.
func (m *Memory) Query(req *wire.Request) ([]byte, error) {
	var rec record
	if err := json.Unmarshal(req.Data, &rec); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.table[rec.Key]
	if !ok {
		return nil, nil
	}
	_ = m.allowStaleReads // both modes currently read the same committed table
	return v.Data, nil
}
