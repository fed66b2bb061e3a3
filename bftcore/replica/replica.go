// Package replica assembles one physical process: the dependency
// graph that wires WAL, CheckpointKeeper, Commitment, TransactionPipeline,
// ViewChange, ResponseCollector, and MessageGate together in the order
// their constructors require (§9 "explicit process-level service
// object... dependency-ordered graph" — the teacher's equivalent is
// internal/cerera/service/registry.go's ServiceProvider wiring).
package replica

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ferrobft/bftcore/checkpoint"
	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/commitment"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/gate"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/metrics"
	"github.com/ferrobft/bftcore/pending"
	"github.com/ferrobft/bftcore/pipeline"
	"github.com/ferrobft/bftcore/response"
	"github.com/ferrobft/bftcore/viewchange"
	"github.com/ferrobft/bftcore/viewstate"
	"github.com/ferrobft/bftcore/wal"
	"github.com/ferrobft/bftcore/wire"
)

// Broadcaster fans a Request out to every other replica in the
// cluster. Supplied by the binary embedding this package; the actual
// transport is out of this module's scope (§1 Non-goals).
type Broadcaster interface {
	Broadcast(req *wire.Request) error
}

// Executor is the full application contract a real replica needs:
// batch execution for the pipeline plus read-only queries for the
// response collector.
type Executor interface {
	pipeline.Executor
	response.Executor
}

// Replica is the fully wired process-level service object.
type Replica struct {
	Config     *config.Config
	Keys       *crypto.KeyTable
	Signer     crypto.Signer
	Registry   *collector.Registry
	WAL        *wal.Log
	Checkpoint *checkpoint.Keeper
	Commitment *commitment.Commitment
	Pipeline   *pipeline.Pipeline
	ViewChange *viewchange.Manager
	Response   *response.Collector
	Gate       *gate.Gate

	log *zap.SugaredLogger
}

// New builds and wires every component but does not start any
// goroutines; call Start to bring the replica up.
func New(cfg *config.Config, signer crypto.Signer, keys *crypto.KeyTable, broadcast Broadcaster, exec Executor, walDir string) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("replica: %w", err)
	}

	registry := collector.NewRegistry()

	walLog, err := wal.Open(walDir, wal.SystemInfo{CurrentView: 1, PrimaryID: cfg.Primary(1)}, 0)
	if err != nil {
		return nil, fmt.Errorf("replica: open wal: %w", err)
	}

	ckpt := checkpoint.New(cfg, signer, keys, broadcast, registry)
	pendingQ := pending.New()

	// resp is assigned below, after commit exists to serve as its
	// Proposer; the closure captures the variable, not its zero value,
	// so this forward reference is safe once Start is called.
	var resp *response.Collector
	pipe := pipeline.New(exec, pipeline.Hooks{
		PostExecute: func(seq uint64, batchResp *wire.BatchClientResponse) {
			if batchResp == nil || resp == nil {
				return
			}
			resp.NotifyResponse(*batchResp)
		},
	})

	commit := commitment.New(cfg, registry, signer, keys, broadcast, walLog, pipelineSink{p: pipe, ckpt: ckpt, log: logging.Named("sink")})

	vc := viewchange.New(cfg, signer, keys, broadcast, registry, ckpt, pendingQ, commit)
	commit.SetViewState(viewChangeSnapshot{vc})
	vc.ArmTimeout()

	resp = response.New(cfg, registry, commit, exec, 1)

	g, err := gate.New(cfg, keys, commit, vc, ckpt, resp, pendingQ)
	if err != nil {
		return nil, fmt.Errorf("replica: new gate: %w", err)
	}

	return &Replica{
		Config:     cfg,
		Keys:       keys,
		Signer:     signer,
		Registry:   registry,
		WAL:        walLog,
		Checkpoint: ckpt,
		Commitment: commit,
		Pipeline:   pipe,
		ViewChange: vc,
		Response:   resp,
		Gate:       g,
		log:        logging.Named("replica"),
	}, nil
}

// Start launches every background goroutine: pipeline execute loop(s),
// checkpoint silence timer, response batch flusher.
func (r *Replica) Start() {
	r.Pipeline.Start()
	r.Checkpoint.Start()
	r.Response.Start()
	metrics.CurrentView.Set(float64(r.ViewChange.CurrentView()))
	r.log.Infow("replica started", "replica_id", r.Config.Replica.ID, "view", r.ViewChange.CurrentView())
}

// Stop joins every background goroutine and finalizes the WAL.
func (r *Replica) Stop() {
	r.Response.Stop()
	r.Checkpoint.Stop()
	r.Pipeline.Stop()
	if err := r.WAL.Close(); err != nil {
		r.log.Errorw("wal close failed", "err", err)
	}
}

// pipelineSink adapts *pipeline.Pipeline to commitment.Sink, forking
// each committed request to the checkpoint hash chain as well as the
// execution pipeline (§4.E "NotifyCommitted" runs on every commit, not
// just every W'th one).
type pipelineSink struct {
	p    *pipeline.Pipeline
	ckpt *checkpoint.Keeper
	log  *zap.SugaredLogger
}

func (s pipelineSink) Commit(req *wire.Request) {
	if err := s.ckpt.NotifyCommitted(req); err != nil {
		s.log.Warnw("checkpoint notify failed", "seq", req.Seq, "err", err)
	}
	s.p.Commit(req)
}

// viewChangeSnapshot adapts *viewchange.Manager to viewstate.Source.
type viewChangeSnapshot struct{ m *viewchange.Manager }

func (v viewChangeSnapshot) Snapshot() viewstate.State { return v.m.Snapshot() }
