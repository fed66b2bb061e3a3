// Package checkpoint implements CheckpointKeeper: truncating logs,
// producing stable checkpoints with a 2f+1 proof, and arming the
// silence timer that triggers ViewChange (§4.E).
package checkpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ferrobft/bftcore/collector"
	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/errs"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/metrics"
	"github.com/ferrobft/bftcore/wire"
)

// Broadcaster fans a Request out to every replica.
type Broadcaster interface {
	Broadcast(req *wire.Request) error
}

type seqHashKey struct {
	Seq  uint64
	Hash wire.Hash
}

// Keeper is the CheckpointKeeper component.
type Keeper struct {
	cfg       *config.Config
	signer    crypto.Signer
	keys      *crypto.KeyTable
	broadcast Broadcaster
	registry  *collector.Registry

	mu               sync.Mutex
	currentStableSeq uint64
	runningHash      wire.Hash
	maxTxnSeq        uint64
	senderCkpt       map[seqHashKey]map[uint32]bool
	signCkpt         map[seqHashKey][]wire.SignatureInfo
	stable           wire.StableCheckpoint

	timeoutHandler    atomic.Pointer[func()]
	viewChangeCounter atomic.Uint64

	lastCommitMu sync.Mutex
	lastCommit   time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	log *zap.SugaredLogger
}

// New builds a CheckpointKeeper.
func New(cfg *config.Config, signer crypto.Signer, keys *crypto.KeyTable, broadcast Broadcaster, registry *collector.Registry) *Keeper {
	k := &Keeper{
		cfg:        cfg,
		signer:     signer,
		keys:       keys,
		broadcast:  broadcast,
		registry:   registry,
		runningHash: crypto.ContentHash(nil),
		senderCkpt: make(map[seqHashKey]map[uint32]bool),
		signCkpt:   make(map[seqHashKey][]wire.SignatureInfo),
		stop:       make(chan struct{}),
		log:        logging.Named("checkpoint"),
	}
	k.viewChangeCounter.Store(1)
	k.lastCommit = time.Time{}
	return k
}

// SetTimeoutHandler registers the callback fired when no committed
// request has arrived within the configured silence window (§4.E).
func (k *Keeper) SetTimeoutHandler(f func()) {
	k.timeoutHandler.Store(&f)
}

// Start launches the silence-timer observer goroutine.
func (k *Keeper) Start() {
	k.lastCommitMu.Lock()
	k.lastCommit = time.Now()
	k.lastCommitMu.Unlock()

	k.wg.Add(1)
	go k.watchTimeout()
}

// Stop joins the timer goroutine.
func (k *Keeper) Stop() {
	close(k.stop)
	k.wg.Wait()
}

func (k *Keeper) watchTimeout() {
	defer k.wg.Done()
	timeout := k.cfg.ViewChange.CommitTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.lastCommitMu.Lock()
			silentFor := time.Since(k.lastCommit)
			k.lastCommitMu.Unlock()
			if silentFor >= timeout {
				k.fireTimeout()
				k.lastCommitMu.Lock()
				k.lastCommit = time.Now()
				k.lastCommitMu.Unlock()
			}
		}
	}
}

func (k *Keeper) fireTimeout() {
	// Debounced escalation: the handler runs with the current counter
	// (1 after a reset, so the first VIEW-CHANGE targets the next view),
	// then the counter is bumped so a repeated timeout in the same view
	// nominates a different candidate rather than retrying the same one
	// forever. The bump is skipped if the handler reset the counter.
	c := k.viewChangeCounter.Load()
	k.log.Warnw("checkpoint silence timeout fired", "view_change_counter", c)
	if hPtr := k.timeoutHandler.Load(); hPtr != nil {
		(*hPtr)()
	}
	k.viewChangeCounter.CompareAndSwap(c, c+1)
}

// ViewChangeCounter returns the current escalation counter.
func (k *Keeper) ViewChangeCounter() uint64 { return k.viewChangeCounter.Load() }

// ResetViewChangeCounter is called once a new view installs
// successfully, so the next silence timeout starts escalating from 1
// again.
func (k *Keeper) ResetViewChangeCounter() { k.viewChangeCounter.Store(1) }

// NotifyCommitted folds a freshly committed request's hash into the
// running checkpoint hash chain, advances max_txn_seq, and broadcasts
// a CHECKPOINT every W sequences (§4.E).
func (k *Keeper) NotifyCommitted(req *wire.Request) error {
	k.lastCommitMu.Lock()
	k.lastCommit = time.Now()
	k.lastCommitMu.Unlock()

	k.mu.Lock()
	k.runningHash = crypto.ChainHash(k.runningHash, req.Hash)
	if req.Seq > k.maxTxnSeq {
		k.maxTxnSeq = req.Seq
	}
	seq, h := k.maxTxnSeq, k.runningHash
	w := k.cfg.Checkpoint.WaterMark
	k.mu.Unlock()

	if w == 0 || seq%w != 0 {
		return nil
	}

	sig, err := k.signer.Sign(h[:])
	if err != nil {
		return errs.New(errs.BadSignature, "NotifyCommitted", err)
	}
	ckptReq := &wire.Request{
		Kind:        wire.Checkpoint,
		SenderID:    k.signer.NodeID(),
		Seq:         seq,
		Hash:        h,
		DataSignature: sig,
	}
	k.log.Infow("broadcasting checkpoint", "seq", seq, "hash", h)
	return k.broadcast.Broadcast(ckptReq)
}

// ProcessCheckpoint handles a peer's CHECKPOINT vote: verify the
// signature when the sender's key is in the key table (a sender with no
// known key is recorded without verification), record the sender, and
// promote to the new stable checkpoint once 2f+1 distinct senders agree
// on the same (seq, hash).
func (k *Keeper) ProcessCheckpoint(req *wire.Request) error {
	if req.Kind != wire.Checkpoint {
		return errs.New(errs.BadFraming, "ProcessCheckpoint", nil)
	}
	w := k.cfg.Checkpoint.WaterMark
	if w != 0 && req.Seq%w != 0 {
		return errs.New(errs.QuorumFailure, "ProcessCheckpoint", nil)
	}

	entry, ok := k.keys.Lookup(req.SenderID)
	if ok {
		ver := crypto.NewVerifier(k.keys)
		if !ver.VerifySignatureInfo(k.keys, req.Hash[:], wire.SignatureInfo{NodeID: req.SenderID, Signature: req.DataSignature, HashType: entry.HashType}) {
			return errs.New(errs.BadSignature, "ProcessCheckpoint", nil)
		}
	}

	key := seqHashKey{Seq: req.Seq, Hash: req.Hash}

	k.mu.Lock()
	if req.Seq <= k.currentStableSeq {
		k.mu.Unlock()
		return errs.New(errs.StaleMessage, "ProcessCheckpoint", nil)
	}
	if k.senderCkpt[key] == nil {
		k.senderCkpt[key] = make(map[uint32]bool)
	}
	if k.senderCkpt[key][req.SenderID] {
		k.mu.Unlock()
		return errs.New(errs.DuplicateVote, "ProcessCheckpoint", nil)
	}
	k.senderCkpt[key][req.SenderID] = true
	k.signCkpt[key] = append(k.signCkpt[key], wire.SignatureInfo{
		NodeID: req.SenderID, Signature: req.DataSignature, HashType: wire.HashED25519,
	})
	senders := len(k.senderCkpt[key])
	quorum := int(k.cfg.QuorumSize())
	promote := senders >= quorum && req.Seq > k.currentStableSeq
	var votes []wire.SignatureInfo
	if promote {
		votes = append(votes, k.signCkpt[key]...)
		k.currentStableSeq = req.Seq
		k.stable = wire.StableCheckpoint{Seq: req.Seq, Hash: req.Hash, Signatures: votes}
		k.gcLocked(req.Seq)
	}
	k.mu.Unlock()

	if promote {
		evicted := k.registry.EvictUpTo(req.Seq)
		metrics.StableCheckpointSeq.Set(float64(req.Seq))
		k.log.Infow("stable checkpoint advanced", "seq", req.Seq, "votes", len(votes), "collectors_evicted", evicted)
	}
	return nil
}

// gcLocked removes sender/signature bookkeeping at or below the new
// stable seq. Caller must hold k.mu.
func (k *Keeper) gcLocked(stableSeq uint64) {
	for key := range k.senderCkpt {
		if key.Seq <= stableSeq {
			delete(k.senderCkpt, key)
			delete(k.signCkpt, key)
		}
	}
}

// StableCheckpoint returns the current low water mark sequence.
func (k *Keeper) StableCheckpoint() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentStableSeq
}

// StableCheckpointWithVotes returns the full certified checkpoint,
// including its 2f+1 proof, for ViewChange to attach to a VIEW-CHANGE
// message.
func (k *Keeper) StableCheckpointWithVotes() wire.StableCheckpoint {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stable
}

// MaxTxnSeq returns the highest sequence folded into the hash chain so
// far.
func (k *Keeper) MaxTxnSeq() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.maxTxnSeq
}

// IsValidCheckpointProof verifies a StableCheckpoint has >=2f+1 valid
// signatures over its hash, or is the zero-seq genesis checkpoint with
// an empty proof (§4.F step 2, §8 Checkpoint validity).
func (k *Keeper) IsValidCheckpointProof(ckpt wire.StableCheckpoint) bool {
	if ckpt.Seq == 0 && len(ckpt.Signatures) == 0 {
		return true
	}
	ver := crypto.NewVerifier(k.keys)
	senders := make(map[uint32]bool)
	for _, sig := range ckpt.Signatures {
		if !ver.VerifySignatureInfo(k.keys, ckpt.Hash[:], sig) {
			return false
		}
		senders[sig.NodeID] = true
	}
	return len(senders) >= int(k.cfg.QuorumSize())
}
