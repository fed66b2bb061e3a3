// Package pipeline implements TransactionPipeline: ordering committed
// batches by sequence, applying them to the executor with no gaps, and
// delivering replies strictly in sequence order (§4.D).
package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/metrics"
	"github.com/ferrobft/bftcore/wire"
)

// Executor is the application state machine (§6 "Executor interface").
// Its execute_batch/execute_data split is modeled here as one method
// taking the committed Request's payload.
type Executor interface {
	ExecuteBatch(req *wire.Request) (*wire.BatchClientResponse, error)
	NeedsResponse() bool
	IsOutOfOrder() bool
}

// Hooks replaces the teacher's duck-typed PreExecuteFunc /
// PostExecuteFunc / SeqUpdateNotifyFunc callbacks with one explicit
// config struct (§9).
type Hooks struct {
	PreExecute  func(seq uint64)
	PostExecute func(seq uint64, resp *wire.BatchClientResponse)
	SeqUpdate   func(seq uint64)
}

// Pipeline is the TransactionPipeline component.
type Pipeline struct {
	mu          sync.Mutex
	nextExecute uint64
	pending     map[uint64]*wire.Request

	executor Executor
	hooks    Hooks

	executeQueue    chan *wire.Request
	outOfOrderQueue chan *wire.Request
	stop            chan struct{}
	wg              sync.WaitGroup

	log *zap.SugaredLogger
}

// New builds a Pipeline starting at sequence 1 (§4.D "next_execute_seq
// starts at 1").
func New(executor Executor, hooks Hooks) *Pipeline {
	p := &Pipeline{
		nextExecute:     1,
		pending:         make(map[uint64]*wire.Request),
		executor:        executor,
		hooks:           hooks,
		executeQueue:    make(chan *wire.Request, 256),
		outOfOrderQueue: make(chan *wire.Request, 256),
		stop:            make(chan struct{}),
		log:             logging.Named("pipeline"),
	}
	return p
}

// Start launches the ordering execute thread (and, when the executor
// opts in, a second out-of-order execute thread, §5).
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.executeLoop()
	if p.executor.IsOutOfOrder() {
		p.wg.Add(1)
		go p.outOfOrderLoop()
	}
}

// Stop drains and joins the execute threads.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Commit inserts a committed request into the pending map and drains
// every prefix-contiguous entry into the execute queue, firing a
// sequence-update notification after each drain (§4.D).
func (p *Pipeline) Commit(req *wire.Request) {
	p.mu.Lock()
	p.pending[req.Seq] = req

	if p.executor.IsOutOfOrder() {
		select {
		case p.outOfOrderQueue <- req:
		default:
			p.log.Warnw("out-of-order execute queue full, dropping hint", "seq", req.Seq)
		}
	}

	var drained []*wire.Request
	for {
		next, ok := p.pending[p.nextExecute]
		if !ok {
			break
		}
		delete(p.pending, p.nextExecute)
		drained = append(drained, next)
		p.nextExecute++
	}
	seq := p.nextExecute
	// Enqueue while still holding mu: two concurrent Commit calls (from
	// the sequence-sharded Commitment worker pool, §5) must not release
	// the lock before sending, or a later Commit could drain and push a
	// higher sequence onto executeQueue before an earlier one, violating
	// prefix-order execution (§8).
	for _, d := range drained {
		p.executeQueue <- d
	}
	p.mu.Unlock()

	if len(drained) > 0 {
		metrics.NextExecuteSeq.Set(float64(seq))
		if p.hooks.SeqUpdate != nil {
			p.hooks.SeqUpdate(seq - 1)
		}
	}
}

// MaxPendingExecutedSeq returns the last sequence S such that 1..S
// have all been enqueued for execution (§4.D).
func (p *Pipeline) MaxPendingExecutedSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextExecute - 1
}

func (p *Pipeline) executeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			// Run whatever is already queued before returning.
			for {
				select {
				case req := <-p.executeQueue:
					p.execute(req)
				default:
					return
				}
			}
		case req := <-p.executeQueue:
			p.execute(req)
		}
	}
}

func (p *Pipeline) execute(req *wire.Request) {
	if p.hooks.PreExecute != nil {
		p.hooks.PreExecute(req.Seq)
	}
	resp, err := p.executor.ExecuteBatch(req)
	if err != nil {
		// The executor contract treats execution failure as fatal: the
		// durable log is the source of truth and a crash-restart replays
		// from it (§7 "commit handoff to executor failed").
		p.log.Fatalw("executor failed, crashing for WAL recovery", "seq", req.Seq, "err", err)
		return
	}
	if p.hooks.PostExecute != nil {
		p.hooks.PostExecute(req.Seq, resp)
	}
}

func (p *Pipeline) outOfOrderLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.outOfOrderQueue:
			// Speculative/unordered execution for an opt-in executor: the
			// batch may run ahead of strict sequence order, but the reply
			// to the client is still only released via the ordered path
			// above.
			if _, err := p.executor.ExecuteBatch(req); err != nil {
				p.log.Warnw("out-of-order speculative execute failed", "seq", req.Seq, "err", err)
			}
		}
	}
}
