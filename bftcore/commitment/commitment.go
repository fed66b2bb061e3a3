// Package commitment drives one request through PRE-PREPARE -> PREPARE
// -> COMMIT and enforces the 2f+1 quorum rules (§4.C, the core of the
// core). It has no timer of its own: the only timeout lives in
// CheckpointKeeper (§4.E) and arms ViewChange.
package commitment

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/errs"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/metrics"
	"github.com/ferrobft/bftcore/viewstate"
	"github.com/ferrobft/bftcore/wire"
)

// Broadcaster fans a Request out to every replica in the cluster.
type Broadcaster interface {
	Broadcast(req *wire.Request) error
}

// Appender durably persists a Request before it is allowed to affect
// externally visible state (§5 "WAL append is totally ordered").
type Appender interface {
	Append(req *wire.Request) error
}

// Sink receives requests once they have committed locally.
type Sink interface {
	Commit(req *wire.Request)
}

// Commitment is the component driving the three-phase protocol.
type Commitment struct {
	cfg       *config.Config
	registry  *collector.Registry
	signer    crypto.Signer
	verifier  *crypto.Verifier
	keys      *crypto.KeyTable
	broadcast Broadcaster
	appender  Appender
	sink      Sink
	viewState viewstate.Source

	log *zap.SugaredLogger

	executeFailures atomic.Int64
}

// Option configures a Commitment at construction.
type Option func(*Commitment)

// WithViewState installs a viewstate.Source (defaults to a static view 1).
func WithViewState(vs viewstate.Source) Option {
	return func(c *Commitment) { c.viewState = vs }
}

// New builds a Commitment component.
func New(cfg *config.Config, registry *collector.Registry, signer crypto.Signer, keys *crypto.KeyTable, broadcast Broadcaster, appender Appender, sink Sink, opts ...Option) *Commitment {
	c := &Commitment{
		cfg:       cfg,
		registry:  registry,
		signer:    signer,
		verifier:  crypto.NewVerifier(keys),
		keys:      keys,
		broadcast: broadcast,
		appender:  appender,
		sink:      sink,
		viewState: viewstate.Static{S: viewstate.State{View: 1}},
		log:       logging.Named("commitment"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// quorum returns 2f+1 for the configured cluster.
func (c *Commitment) quorum() int { return int(c.cfg.QuorumSize()) }

// ProcessPropose handles an inbound PRE-PREPARE. Only the primary for
// view V may originate one; followers accept at most one PRE-PREPARE
// per (v,s). A later PRE-PREPARE with a strictly higher view may
// replace the main slot if the collector is not yet prepared — this is
// how a view-change primary re-proposes holes.
func (c *Commitment) ProcessPropose(req *wire.Request) error {
	if req.Kind != wire.PrePrepare && req.Kind != wire.NewTxns {
		return errs.New(errs.BadFraming, "ProcessPropose", fmt.Errorf("unexpected kind %s", req.Kind))
	}

	if vs := c.viewState.Snapshot(); req.CurrentView < vs.View {
		return errs.New(errs.StaleMessage, "ProcessPropose", fmt.Errorf("view %d below current view %d", req.CurrentView, vs.View))
	}

	primary := c.cfg.Primary(req.CurrentView)
	if req.SenderID != primary {
		c.log.Warnw("pre-prepare from non-primary dropped", "sender", req.SenderID, "expected_primary", primary, "view", req.CurrentView)
		return errs.New(errs.BadFraming, "ProcessPropose", fmt.Errorf("sender %d is not primary for view %d", req.SenderID, req.CurrentView))
	}

	col := c.registry.GetOrCreate(req.Seq)
	if col.State() >= collector.Executed {
		return errs.New(errs.StateViolation, "ProcessPropose", fmt.Errorf("seq %d already executed", req.Seq))
	}

	if !col.SetMain(req) {
		// Not an error: a replica that already has a main for (v,s) simply
		// ignores an equivocating duplicate at the same view.
		c.log.Debugw("pre-prepare did not win main slot", "seq", req.Seq, "view", req.CurrentView)
		return nil
	}

	if c.appender != nil {
		if err := c.appender.Append(req); err != nil {
			return errs.New(errs.DurabilityFailure, "ProcessPropose", err)
		}
	}

	// Only the originating primary fans the PRE-PREPARE itself out to the
	// rest of the cluster; a backup reaching this point got here because
	// MessageGate already routed that broadcast to it, and must not echo
	// it back out.
	if c.signer.NodeID() == primary {
		if err := c.broadcast.Broadcast(req); err != nil {
			c.log.Warnw("broadcast pre-prepare failed", "err", err)
		}
	}

	prepare := &wire.Request{
		Kind:        wire.Prepare,
		SenderID:    c.signer.NodeID(),
		CurrentView: req.CurrentView,
		Seq:         req.Seq,
		Hash:        req.Hash,
	}
	if err := c.sign(prepare); err != nil {
		return errs.New(errs.BadSignature, "ProcessPropose", err)
	}
	if err := c.broadcast.Broadcast(prepare); err != nil {
		c.log.Warnw("broadcast prepare failed", "err", err)
	}
	return c.applyPrepare(prepare)
}

// ProcessPrepare handles an inbound PREPARE vote. When 2f+1 votes
// agree on the main hash the collector becomes prepared and COMMIT is
// broadcast with the local signature as the QC share. A PREPARE that
// arrives before the corresponding PRE-PREPARE is still counted; the
// collector can legitimately advance without ever holding the
// originating PRE-PREPARE locally.
func (c *Commitment) ProcessPrepare(req *wire.Request) error {
	if req.Kind != wire.Prepare {
		return errs.New(errs.BadFraming, "ProcessPrepare", fmt.Errorf("unexpected kind %s", req.Kind))
	}
	return c.applyPrepare(req)
}

func (c *Commitment) applyPrepare(req *wire.Request) error {
	if vs := c.viewState.Snapshot(); req.CurrentView < vs.View {
		return errs.New(errs.StaleMessage, "applyPrepare", fmt.Errorf("view %d below current view %d", req.CurrentView, vs.View))
	}

	col := c.registry.GetOrCreate(req.Seq)
	if col.State() >= collector.Executed {
		return errs.New(errs.StateViolation, "applyPrepare", fmt.Errorf("seq %d already executed", req.Seq))
	}

	count, justPrepared := col.AddPrepare(req.SenderID, req.Hash, c.quorum())
	metrics.CollectorsActive.Set(float64(c.registry.Len()))
	if !justPrepared {
		_ = count
		return nil
	}

	c.log.Infow("collector prepared", "seq", req.Seq, "view", req.CurrentView, "hash", req.Hash)

	commit := &wire.Request{
		Kind:        wire.Commit,
		SenderID:    c.signer.NodeID(),
		CurrentView: req.CurrentView,
		Seq:         req.Seq,
		Hash:        req.Hash,
	}
	sig, err := c.signer.Sign(req.Hash[:])
	if err != nil {
		return errs.New(errs.BadSignature, "applyPrepare", err)
	}
	commit.DataSignature = sig

	if err := c.broadcast.Broadcast(commit); err != nil {
		c.log.Warnw("broadcast commit failed", "err", err)
	}
	return c.applyCommit(commit)
}

// ProcessCommit handles an inbound COMMIT vote (QC share). When 2f+1
// shares agree on the same hash the request is handed off to the
// pipeline and the collector transitions to EXECUTED.
func (c *Commitment) ProcessCommit(req *wire.Request) error {
	if req.Kind != wire.Commit {
		return errs.New(errs.BadFraming, "ProcessCommit", fmt.Errorf("unexpected kind %s", req.Kind))
	}
	return c.applyCommit(req)
}

func (c *Commitment) applyCommit(req *wire.Request) error {
	col := c.registry.GetOrCreate(req.Seq)
	if col.State() >= collector.Executed {
		return errs.New(errs.StateViolation, "applyCommit", fmt.Errorf("seq %d already executed", req.Seq))
	}

	si := wire.SignatureInfo{NodeID: req.SenderID, Signature: req.DataSignature, HashType: c.signer.HashType()}
	count, justCommitted := col.AddCommit(req.SenderID, req.Hash, si, c.quorum())
	if !justCommitted {
		_ = count
		return nil
	}

	main, ok := col.Main()
	if !ok {
		// Commit quorum reached before we ever saw the originating
		// PRE-PREPARE; the hole will be filled by a later view-change
		// replay. Nothing to execute yet.
		c.log.Warnw("commit quorum reached without a main proposal", "seq", req.Seq)
		return nil
	}
	if main.Hash != req.Hash {
		return errs.New(errs.QuorumFailure, "applyCommit", fmt.Errorf("main hash %s != committed hash %s", main.Hash, req.Hash))
	}

	if !col.MarkExecuted() {
		return errs.New(errs.StateViolation, "applyCommit", fmt.Errorf("seq %d: CAS to EXECUTED failed", req.Seq))
	}

	out := *main
	out.CommittedCert = col.CommitQC()
	metrics.CommitsTotal.Inc()
	c.sink.Commit(&out)
	return nil
}

func (c *Commitment) sign(req *wire.Request) error {
	payload, err := req.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return err
	}
	req.DataSignature = sig
	return nil
}

// Registry exposes the collector registry for ViewChange/CheckpointKeeper
// to take borrowed references from (§9).
func (c *Commitment) Registry() *collector.Registry { return c.registry }

// SetViewState installs the ViewChange snapshot source after
// construction, breaking the construction-order cycle between
// Commitment and ViewChange (ViewChange's constructor takes Commitment
// as its Proposer, so Commitment must exist first).
func (c *Commitment) SetViewState(vs viewstate.Source) { c.viewState = vs }
