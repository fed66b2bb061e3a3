// Package gate implements MessageGate, the single entry point every
// inbound wire frame passes through before it reaches a protocol
// component (§4.A): frame decode, envelope signature check, duplicate
// suppression, and routing by Kind. Routing mirrors the teacher's
// consensus Manager, which demuxes by message type onto the voting
// manager/peer manager/metrics depending on what arrived
// (internal/icenet/consensus/manager.go); the duplicate cache uses
// hashicorp/golang-lru the way the rest of the retrieved pack reaches
// for bounded caches rather than an unbounded map.
package gate

import (
	"go.uber.org/zap"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ferrobft/bftcore/checkpoint"
	"github.com/ferrobft/bftcore/commitment"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/errs"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/metrics"
	"github.com/ferrobft/bftcore/pending"
	"github.com/ferrobft/bftcore/response"
	"github.com/ferrobft/bftcore/viewchange"
	"github.com/ferrobft/bftcore/wire"
)

// dedupCacheSize bounds the duplicate-vote suppression cache; entries
// age out well before a sequence could recur after a checkpoint GC.
const dedupCacheSize = 65536

// ViewChangeState reports whether the replica is currently mid view
// change, so non-view-change traffic can be buffered instead of
// applied out of order (§3, §5).
type ViewChangeState interface {
	IsInViewChange() bool
}

// Gate is the MessageGate component.
type Gate struct {
	cfg      *config.Config
	keys     *crypto.KeyTable
	verifier *crypto.Verifier

	commit  *commitment.Commitment
	vc      *viewchange.Manager
	ckpt    *checkpoint.Keeper
	resp    *response.Collector
	pending *pending.Queue

	seen *lru.Cache[wire.VoteKey, struct{}]

	log *zap.SugaredLogger
}

// New builds a MessageGate wired to the already-constructed protocol
// components (§9 dependency order: Gate depends on everything else).
func New(cfg *config.Config, keys *crypto.KeyTable, commit *commitment.Commitment, vc *viewchange.Manager, ckpt *checkpoint.Keeper, resp *response.Collector, pendingQ *pending.Queue) (*Gate, error) {
	cache, err := lru.New[wire.VoteKey, struct{}](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Gate{
		cfg:      cfg,
		keys:     keys,
		verifier: crypto.NewVerifier(keys),
		commit:   commit,
		vc:       vc,
		ckpt:     ckpt,
		resp:     resp,
		pending:  pendingQ,
		seen:     cache,
		log:      logging.Named("gate"),
	}, nil
}

// ReceiveFrame decodes a length-prefixed wire frame and dispatches it.
func (g *Gate) ReceiveFrame(frame []byte) error {
	env, err := wire.DecodeBytes(frame)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(errs.BadFraming.String()).Inc()
		return errs.New(errs.BadFraming, "ReceiveFrame", err)
	}
	req, err := env.Request()
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(errs.BadFraming.String()).Inc()
		return errs.New(errs.BadFraming, "ReceiveFrame", err)
	}
	return g.Receive(req)
}

// Receive routes an already-decoded Request (§4.A). HEARTBEAT learns a
// peer's public key before anything is verified, since that is the
// only message the Verifier has no key for yet; every other kind
// requires the sender to already be known.
func (g *Gate) Receive(req *wire.Request) error {
	metrics.MessagesReceived.WithLabelValues(req.Kind.String()).Inc()

	if req.Kind == wire.Heartbeat {
		return g.handleHeartbeat(req)
	}

	// COMMIT and CHECKPOINT carry a QC share signed over the content
	// hash alone, not the full canonical encoding (§4.C, §4.E): each
	// voter's share must be comparable independent of that voter's own
	// sender_id/view, so these two kinds verify against req.Hash
	// instead of going through the general canonical-bytes check.
	verify := g.verifier.VerifyRequest
	if req.Kind == wire.Commit || req.Kind == wire.Checkpoint {
		verify = g.verifier.VerifyRequestHash
	}
	if err := verify(req); err != nil {
		metrics.MessagesDropped.WithLabelValues(errs.BadSignature.String()).Inc()
		return err
	}

	key := wire.KeyOf(req)
	if g.seen.Contains(key) {
		metrics.MessagesDropped.WithLabelValues(errs.DuplicateVote.String()).Inc()
		return errs.New(errs.DuplicateVote, "Receive", nil)
	}
	g.seen.Add(key, struct{}{})

	switch req.Kind {
	case wire.ViewChange:
		return g.vc.ProcessViewChange(req)
	case wire.NewView:
		return g.vc.ProcessNewView(req)
	case wire.Checkpoint:
		return g.ckpt.ProcessCheckpoint(req)
	case wire.Query:
		return g.resp.HandleQuery(req)
	case wire.ClientRequest:
		return g.resp.HandleClientRequest(req)
	}

	if g.vc.IsInViewChange() {
		g.pending.Push(req)
		return nil
	}

	switch req.Kind {
	case wire.NewTxns, wire.PrePrepare:
		return g.commit.ProcessPropose(req)
	case wire.Prepare:
		return g.commit.ProcessPrepare(req)
	case wire.Commit:
		return g.commit.ProcessCommit(req)
	default:
		metrics.MessagesDropped.WithLabelValues(errs.BadFraming.String()).Inc()
		return errs.New(errs.BadFraming, "Receive", nil)
	}
}

func (g *Gate) handleHeartbeat(req *wire.Request) error {
	if len(req.Data) == 0 {
		return errs.New(errs.BadFraming, "handleHeartbeat", nil)
	}
	ht := wire.HashED25519
	if len(req.CommittedCert) > 0 {
		ht = req.CommittedCert[0].HashType
	}
	g.keys.Learn(crypto.KeyEntry{NodeID: req.SenderID, HashType: ht, PubKey: req.Data})
	g.log.Debugw("learned peer key", "sender", req.SenderID)
	return nil
}
