// Package response implements ResponseCollector (§4.B): batches
// inbound client requests into NEW_TXNS proposals by size or timeout,
// and correlates post-execution replies back to the clients that are
// owed them, requiring f+1 matching replies before anything is
// delivered. Batching is grounded on the teacher's round/vote
// accumulation pattern in internal/icenet/consensus/voting.go
// (StartRound batches a block, then rounds get keyed and applied)
// adapted here to batch client requests instead of blocks.
package response

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/errs"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/wire"
)

// encodeBatch serializes a set of client requests into the canonical
// NEW_TXNS payload and returns the batch's content hash (§3).
func encodeBatch(reqs []wire.Request) ([]byte, wire.Hash, error) {
	batch := wire.BatchClientRequest{Requests: reqs}
	payload, err := json.Marshal(batch.Requests)
	if err != nil {
		return nil, wire.Hash{}, err
	}
	hash := crypto.ContentHash(payload)
	batch.Hash = hash
	full, err := json.Marshal(batch)
	if err != nil {
		return nil, wire.Hash{}, err
	}
	return full, hash, nil
}

// hashResponse derives a comparison key for voting on reply agreement:
// two replicas that computed the same client-visible bytes hash the
// same, regardless of anything internal that might otherwise differ.
func hashResponse(resp wire.BatchClientResponse) wire.Hash {
	payload, _ := json.Marshal(resp.Data)
	return crypto.ContentHash(payload)
}

// Proposer hands a freshly batched NEW_TXNS request to Commitment the
// same way a directly received PRE-PREPARE would be (only the primary
// actually calls through; followers never batch).
type Proposer interface {
	ProcessPropose(req *wire.Request) error
}

// Executor answers read-only QUERY requests without going through
// consensus (§4.A "read-only QUERY path").
type Executor interface {
	Query(req *wire.Request) ([]byte, error)
}

// replyKey identifies one client's outstanding request.
type replyKey struct {
	ProxyID uint32
	LocalID uint64
}

type replyTally struct {
	mu      sync.Mutex
	byHash  map[wire.Hash]int
	results map[wire.Hash]wire.BatchClientResponse
	done    bool
}

// Collector is the ResponseCollector component.
type Collector struct {
	cfg      *config.Config
	registry *collector.Registry
	proposer Proposer
	executor Executor
	nextSeq  atomic.Uint64

	mu      sync.Mutex
	pending []wire.Request
	flushAt time.Time

	tallyMu sync.Mutex
	tallies map[replyKey]*replyTally

	stop chan struct{}
	wg   sync.WaitGroup

	log *zap.SugaredLogger
}

// New builds a ResponseCollector. startSeq is the first sequence this
// replica's primary role will assign (normally stable_ckpt + 1 at
// startup/after a view change).
func New(cfg *config.Config, registry *collector.Registry, proposer Proposer, executor Executor, startSeq uint64) *Collector {
	c := &Collector{
		cfg:      cfg,
		registry: registry,
		proposer: proposer,
		executor: executor,
		tallies:  make(map[replyKey]*replyTally),
		stop:     make(chan struct{}),
		log:      logging.Named("response"),
	}
	c.nextSeq.Store(startSeq)
	return c
}

// Start launches the flush-timeout watcher goroutine.
func (c *Collector) Start() {
	c.mu.Lock()
	c.flushAt = time.Now().Add(c.flushTimeout())
	c.mu.Unlock()
	c.wg.Add(1)
	go c.flushLoop()
}

// Stop joins the flush watcher.
func (c *Collector) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Collector) flushTimeout() time.Duration {
	if c.cfg.Batch.FlushTimeout <= 0 {
		return 50 * time.Millisecond
	}
	return c.cfg.Batch.FlushTimeout
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushTimeout() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			expired := len(c.pending) > 0 && time.Now().After(c.flushAt)
			c.mu.Unlock()
			if expired {
				if err := c.flush(); err != nil {
					c.log.Warnw("timed batch flush failed", "err", err)
				}
			}
		}
	}
}

// HandleClientRequest buffers req (§3 "Request"), proposing a NEW_TXNS
// batch immediately once B requests have accumulated.
func (c *Collector) HandleClientRequest(req *wire.Request) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.flushAt = time.Now().Add(c.flushTimeout())
	}
	c.pending = append(c.pending, *req)
	full := len(c.pending) >= c.cfg.Batch.BatchTransactionNum
	c.mu.Unlock()

	if full {
		return c.flush()
	}
	return nil
}

func (c *Collector) flush() error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	payload, hash, err := encodeBatch(batch)
	if err != nil {
		return errs.New(errs.BadFraming, "flush", err)
	}

	seq := c.nextSeq.Add(1) - 1
	proposal := &wire.Request{
		Kind: wire.NewTxns,
		Seq:  seq,
		Hash: hash,
		Data: payload,
	}
	return c.proposer.ProcessPropose(proposal)
}

// HandleQuery runs a read-only QUERY against the executor without going
// through consensus. The query result is discarded; only the
// executor's error is returned.
func (c *Collector) HandleQuery(req *wire.Request) error {
	_, err := c.executor.Query(req)
	return err
}

// AwaitReply registers that a client identified by (proxyID, localID)
// is owed a reply once f+1 matching responses for seq arrive. Exposed
// so the binary wiring the collector can push the result to the
// actual client connection once NotifyResponse reports agreement.
func (c *Collector) AwaitReply(proxyID uint32, localID uint64) {
	key := replyKey{ProxyID: proxyID, LocalID: localID}
	c.tallyMu.Lock()
	defer c.tallyMu.Unlock()
	if _, ok := c.tallies[key]; !ok {
		c.tallies[key] = &replyTally{byHash: make(map[wire.Hash]int), results: make(map[wire.Hash]wire.BatchClientResponse)}
	}
}

// NotifyResponse records one replica's (including our own) executor
// response for a client request, and reports the agreed response plus
// true once f+1 replicas agree on the same result (§3 "f+1 matching
// replies").
func (c *Collector) NotifyResponse(resp wire.BatchClientResponse) (wire.BatchClientResponse, bool) {
	key := replyKey{ProxyID: resp.Reply.ProxyID, LocalID: resp.Reply.LocalID}
	hash := hashResponse(resp)

	c.tallyMu.Lock()
	defer c.tallyMu.Unlock()
	t, ok := c.tallies[key]
	if !ok {
		t = &replyTally{byHash: make(map[wire.Hash]int), results: make(map[wire.Hash]wire.BatchClientResponse)}
		c.tallies[key] = t
	}
	if t.done {
		return wire.BatchClientResponse{}, false
	}
	t.byHash[hash]++
	t.results[hash] = resp

	needed := int(c.cfg.MaxFaulty()) + 1
	if t.byHash[hash] >= needed {
		t.done = true
		delete(c.tallies, key)
		return resp, true
	}
	return wire.BatchClientResponse{}, false
}
