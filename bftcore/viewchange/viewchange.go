// Package viewchange implements the sub-protocol that elects the next
// primary when the current one is silent or faulty, and splices
// already-prepared proposals across the view boundary without losing
// them (§4.F).
package viewchange

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ferrobft/bftcore/checkpoint"
	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/errs"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/metrics"
	"github.com/ferrobft/bftcore/pending"
	"github.com/ferrobft/bftcore/viewstate"
	"github.com/ferrobft/bftcore/wire"
)

// Status is the local replica's view-change lifecycle stage (§4.F).
type Status int32

const (
	None Status = iota
	ReadyViewChange
	ReadyNewView
)

// Broadcaster fans a Request out to every replica.
type Broadcaster interface {
	Broadcast(req *wire.Request) error
}

// Proposer re-injects a re-proposed request as a PRE-PREPARE under the
// new view, the same entry point Commitment exposes for inbound
// proposals. ViewChange never calls back into Commitment for anything
// else (§9).
type Proposer interface {
	ProcessPropose(req *wire.Request) error
}

// Manager is the ViewChange component.
type Manager struct {
	cfg       *config.Config
	signer    crypto.Signer
	keys      *crypto.KeyTable
	broadcast Broadcaster
	registry  *collector.Registry
	ckpt      *checkpoint.Keeper
	pendingQ  *pending.Queue
	proposer  Proposer

	mu          sync.Mutex
	status      Status
	currentView atomic.Uint64

	// view_number -> sender -> the VIEW-CHANGE record they sent.
	received map[uint64]map[uint32]wire.ViewChangeRecord

	log *zap.SugaredLogger
}

// New builds a ViewChange manager for the initial view 1.
func New(cfg *config.Config, signer crypto.Signer, keys *crypto.KeyTable, broadcast Broadcaster, registry *collector.Registry, ckpt *checkpoint.Keeper, pendingQ *pending.Queue, proposer Proposer) *Manager {
	m := &Manager{
		cfg:       cfg,
		signer:    signer,
		keys:      keys,
		broadcast: broadcast,
		registry:  registry,
		ckpt:      ckpt,
		pendingQ:  pendingQ,
		proposer:  proposer,
		received:  make(map[uint64]map[uint32]wire.ViewChangeRecord),
		log:       logging.Named("viewchange"),
	}
	m.currentView.Store(1)
	return m
}

// Snapshot implements viewstate.Source.
func (m *Manager) Snapshot() viewstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return viewstate.State{View: m.currentView.Load(), InViewChange: m.status != None}
}

// CurrentView returns the installed view number.
func (m *Manager) CurrentView() uint64 { return m.currentView.Load() }

// ArmTimeout registers this manager as CheckpointKeeper's silence
// timeout handler (§4.E "this is the trigger that ViewChange arms").
func (m *Manager) ArmTimeout() {
	m.ckpt.SetTimeoutHandler(m.onTimeout)
}

func (m *Manager) onTimeout() {
	m.mu.Lock()
	if m.status == None {
		m.status = ReadyViewChange
	} else if m.status == ReadyViewChange || m.status == ReadyNewView {
		// A view change already underway timed out before a NEW-VIEW
		// installed; escalate to the next candidate rather than retrying
		// the same one.
		m.status = ReadyViewChange
	} else {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	metrics.ViewChangesTotal.Inc()
	if err := m.sendViewChangeMsg(); err != nil {
		m.log.Errorw("failed to send view-change message", "err", err)
	}
}

// IsInViewChange reports whether a view change is currently underway.
func (m *Manager) IsInViewChange() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status != None
}

// buildViewChangeMessage assembles this replica's VIEW-CHANGE record
// (§4.F): the stable checkpoint with proof, and for every sequence
// above it that reached READY_COMMIT locally, its prepared-proof list.
func (m *Manager) buildViewChangeMessage(newView uint64) wire.ViewChangeRecord {
	stable := m.ckpt.StableCheckpointWithVotes()
	maxSeq := m.ckpt.MaxTxnSeq()

	var prepared []wire.PreparedMsg
	for _, seq := range m.registry.SeqsInRange(stable.Seq, maxSeq) {
		col, ok := m.registry.Get(seq)
		if !ok || col.State() < collector.ReadyCommit {
			continue
		}
		proof := col.PreparedProof()
		if len(proof) == 0 {
			// Derive a proof from the recorded commit QC if the explicit
			// prepared-proof list was never populated (e.g. the PRE-PREPARE
			// arrived after the PREPARE quorum, §4.C).
			main, ok := col.Main()
			if !ok {
				continue
			}
			for _, sig := range col.CommitQC() {
				// sig.Signature was produced by sig.NodeID signing main.Hash
				// alone (§4.C's COMMIT QC share), so the carried Request must
				// attribute that signature to its own signer rather than the
				// main proposal's original sender.
				voted := *main
				voted.SenderID = sig.NodeID
				proof = append(proof, wire.PreparedProof{Request: voted, Signature: sig.Signature})
			}
		}
		prepared = append(prepared, wire.PreparedMsg{Seq: seq, Proof: proof})
	}

	return wire.ViewChangeRecord{
		ViewNumber:   newView,
		StableCkpt:   stable,
		PreparedMsgs: prepared,
	}
}

func (m *Manager) sendViewChangeMsg() error {
	newView := m.currentView.Load() + m.ckpt.ViewChangeCounter()
	rec := m.buildViewChangeMessage(newView)

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req := &wire.Request{
		Kind:        wire.ViewChange,
		SenderID:    m.signer.NodeID(),
		CurrentView: newView,
		Data:        payload,
	}
	sig, err := signRequest(m.signer, req)
	if err != nil {
		return err
	}
	req.DataSignature = sig
	m.log.Infow("broadcasting view-change", "new_view", newView)

	// Count our own vote too.
	m.recordViewChange(rec, m.signer.NodeID())
	return m.broadcast.Broadcast(req)
}

// ProcessViewChange handles an inbound VIEWCHANGE-kind Request: decode,
// validate, tally, and (if this replica is the new primary) attempt
// NEW-VIEW synthesis once quorum is reached.
func (m *Manager) ProcessViewChange(req *wire.Request) error {
	if req.Kind != wire.ViewChange {
		return errs.New(errs.BadFraming, "ProcessViewChange", nil)
	}
	var rec wire.ViewChangeRecord
	if err := json.Unmarshal(req.Data, &rec); err != nil {
		return errs.New(errs.BadFraming, "ProcessViewChange", err)
	}

	if err := m.validate(rec); err != nil {
		return err
	}

	m.mu.Lock()
	if m.status == None {
		m.status = ReadyViewChange
	}
	m.mu.Unlock()

	count := m.recordViewChange(rec, req.SenderID)

	primary := m.cfg.Primary(rec.ViewNumber)
	if primary != m.signer.NodeID() {
		return nil
	}
	if count < int(m.cfg.QuorumSize()) {
		return nil
	}
	return m.trySynthesizeNewView(rec.ViewNumber)
}

// validate checks an inbound VIEW-CHANGE against the three rules of
// §4.F: strictly higher view, a valid checkpoint proof, and every
// prepared-msg backed by >=2f+1 matching, verifying signatures.
func (m *Manager) validate(rec wire.ViewChangeRecord) error {
	if rec.ViewNumber <= m.currentView.Load() {
		return errs.New(errs.StaleMessage, "validate", fmt.Errorf("view %d not greater than current %d", rec.ViewNumber, m.currentView.Load()))
	}
	if !m.ckpt.IsValidCheckpointProof(rec.StableCkpt) {
		return errs.New(errs.QuorumFailure, "validate", fmt.Errorf("invalid checkpoint proof"))
	}

	ver := crypto.NewVerifier(m.keys)
	var errAgg error
	for _, pm := range rec.PreparedMsgs {
		if pm.Seq <= rec.StableCkpt.Seq {
			continue
		}
		if len(pm.Proof) < int(m.cfg.QuorumSize()) {
			errAgg = multierr.Append(errAgg, fmt.Errorf("seq %d: only %d proofs, need %d", pm.Seq, len(pm.Proof), m.cfg.QuorumSize()))
			continue
		}
		distinct := make(map[uint32]bool)
		for _, proof := range pm.Proof {
			if proof.Request.Seq != pm.Seq {
				errAgg = multierr.Append(errAgg, fmt.Errorf("seq %d: proof request seq mismatch %d", pm.Seq, proof.Request.Seq))
				continue
			}
			// The carried signature is a COMMIT QC share, signed over the
			// request hash alone (§4.C), not the prepared request's full
			// canonical encoding — verify it the same way.
			if !ver.VerifySignatureInfo(m.keys, proof.Request.Hash[:], wire.SignatureInfo{NodeID: proof.Request.SenderID, Signature: proof.Signature}) {
				errAgg = multierr.Append(errAgg, fmt.Errorf("seq %d: proof signature invalid", pm.Seq))
				continue
			}
			distinct[proof.Request.SenderID] = true
		}
		if len(distinct) < int(m.cfg.QuorumSize()) {
			errAgg = multierr.Append(errAgg, fmt.Errorf("seq %d: only %d distinct signers, need %d", pm.Seq, len(distinct), m.cfg.QuorumSize()))
		}
	}
	if errAgg != nil {
		return errs.New(errs.QuorumFailure, "validate", errAgg)
	}
	return nil
}

func (m *Manager) recordViewChange(rec wire.ViewChangeRecord, sender uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.received[rec.ViewNumber] == nil {
		m.received[rec.ViewNumber] = make(map[uint32]wire.ViewChangeRecord)
	}
	m.received[rec.ViewNumber][sender] = rec
	return len(m.received[rec.ViewNumber])
}

// trySynthesizeNewView is run by the new primary once >=2f+1 valid
// VIEW-CHANGEs for view' have been collected (§4.F NEW-VIEW synthesis).
func (m *Manager) trySynthesizeNewView(newView uint64) error {
	m.mu.Lock()
	votes := m.received[newView]
	records := make([]wire.ViewChangeRecord, 0, len(votes))
	for _, r := range votes {
		records = append(records, r)
	}
	m.mu.Unlock()

	requests := synthesizeRequests(records, newView, m.signer)

	nvReq := &wire.Request{
		Kind:        wire.NewView,
		SenderID:    m.signer.NodeID(),
		CurrentView: newView,
	}
	nvRec := wire.NewViewRecord{ViewNumber: newView, ViewChangeMessages: records, Requests: requests}
	payload, err := json.Marshal(nvRec)
	if err != nil {
		return err
	}
	nvReq.Data = payload
	sig, err := signRequest(m.signer, nvReq)
	if err != nil {
		return err
	}
	nvReq.DataSignature = sig

	m.log.Infow("broadcasting new-view", "new_view", newView, "requests", len(requests))
	if err := m.broadcast.Broadcast(nvReq); err != nil {
		m.log.Warnw("broadcast new-view failed", "err", err)
	}
	return m.install(nvRec)
}

// ProcessNewView handles an inbound NEWVIEW-kind Request: followers
// re-derive the same re-proposal list from the carried VIEW-CHANGEs
// and reject if it disagrees (§4.F).
func (m *Manager) ProcessNewView(req *wire.Request) error {
	if req.Kind != wire.NewView {
		return errs.New(errs.BadFraming, "ProcessNewView", nil)
	}
	var rec wire.NewViewRecord
	if err := json.Unmarshal(req.Data, &rec); err != nil {
		return errs.New(errs.BadFraming, "ProcessNewView", err)
	}
	if len(rec.ViewChangeMessages) < int(m.cfg.QuorumSize()) {
		return errs.New(errs.QuorumFailure, "ProcessNewView", fmt.Errorf("only %d view-change messages", len(rec.ViewChangeMessages)))
	}
	for _, vc := range rec.ViewChangeMessages {
		if err := m.validate(vc); err != nil {
			return err
		}
	}

	derived := synthesizeRequests(rec.ViewChangeMessages, rec.ViewNumber, nil)
	if len(derived) != len(rec.Requests) {
		return errs.New(errs.QuorumFailure, "ProcessNewView", fmt.Errorf("re-derived %d requests, new-view carries %d", len(derived), len(rec.Requests)))
	}
	for i := range derived {
		if derived[i].Seq != rec.Requests[i].Seq || derived[i].Hash != rec.Requests[i].Hash {
			return errs.New(errs.QuorumFailure, "ProcessNewView", fmt.Errorf("re-derived request at index %d disagrees", i))
		}
	}

	return m.install(rec)
}

// install adopts the new view, re-proposes the NEW-VIEW's requests, and
// drains the pending queue once, passing each buffered message to
// ProcessPropose; buffered PREPARE and COMMIT messages are rejected
// there and dropped. It does not change the sequence number the
// ResponseCollector assigns to its next batch.
func (m *Manager) install(rec wire.NewViewRecord) error {
	m.mu.Lock()
	m.currentView.Store(rec.ViewNumber)
	m.status = None
	m.mu.Unlock()

	m.ckpt.ResetViewChangeCounter()

	for _, req := range rec.Requests {
		reqCopy := req
		if err := m.proposer.ProcessPropose(&reqCopy); err != nil {
			m.log.Warnw("replaying re-proposed request failed", "seq", req.Seq, "err", err)
		}
	}

	for _, buffered := range m.pendingQ.DrainFIFO() {
		if err := m.proposer.ProcessPropose(buffered); err != nil {
			m.log.Debugw("replaying buffered message via proposer failed (expected for non-proposals)", "kind", buffered.Kind, "err", err)
		}
	}
	return nil
}

// signRequest signs req's canonical bytes, matching how gate.Receive
// verifies every kind other than the QC-bearing COMMIT/CHECKPOINT.
func signRequest(signer crypto.Signer, req *wire.Request) ([]byte, error) {
	payload, err := req.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	return signer.Sign(payload)
}

// synthesizeRequests computes min_s = min checkpoint seq across all
// VIEW-CHANGEs, max_s = max sequence in any prepared-msg, and for each
// s in (min_s, max_s] either re-proposes the prepared request or
// synthesizes a signed no-op (§4.F). signer may be nil when a follower
// is only re-deriving the list for comparison, not broadcasting it.
func synthesizeRequests(records []wire.ViewChangeRecord, newView uint64, signer crypto.Signer) []wire.Request {
	if len(records) == 0 {
		return nil
	}
	minSeq := records[0].StableCkpt.Seq
	var maxSeq uint64
	bySeq := make(map[uint64]wire.PreparedProof)
	for _, rec := range records {
		if rec.StableCkpt.Seq < minSeq {
			minSeq = rec.StableCkpt.Seq
		}
		for _, pm := range rec.PreparedMsgs {
			if pm.Seq > maxSeq {
				maxSeq = pm.Seq
			}
			if len(pm.Proof) == 0 {
				continue
			}
			if _, ok := bySeq[pm.Seq]; !ok {
				bySeq[pm.Seq] = pm.Proof[0]
			}
		}
	}

	var out []wire.Request
	for s := minSeq + 1; s <= maxSeq; s++ {
		if proof, ok := bySeq[s]; ok {
			req := proof.Request
			req.CurrentView = newView
			if signer != nil {
				// A re-proposed PRE-PREPARE must originate from the new
				// primary, not whichever replica happened to sign the
				// original prepared proof (commitment.ProcessPropose rejects
				// any sender that isn't cfg.Primary(newView), §4.C), and it
				// must carry a fresh signature over its new canonical bytes
				// rather than the stale one it was re-proposed with.
				req.SenderID = signer.NodeID()
				if sig, err := signRequest(signer, &req); err == nil {
					req.DataSignature = sig
				}
			}
			out = append(out, req)
			continue
		}
		noop := wire.Request{
			Kind:        wire.PrePrepare,
			CurrentView: newView,
			Seq:         s,
			Data:        nil,
			Hash:        crypto.ContentHash(nil),
		}
		if signer != nil {
			noop.SenderID = signer.NodeID()
			if sig, err := signRequest(signer, &noop); err == nil {
				noop.DataSignature = sig
			}
		}
		out = append(out, noop)
	}
	return out
}
