// Package collector implements TransactionCollector, the per-sequence
// state machine commitment votes accumulate into (§3, §4.C), and its
// registry (an arena keyed by sequence, §9).
package collector

import (
	"sync"
	"sync/atomic"

	"github.com/ferrobft/bftcore/wire"
)

// State is a TransactionCollector's monotonic lifecycle stage.
type State int32

const (
	None State = iota
	ReadyPrepare
	ReadyCommit
	ReadyExecute
	Executed
)

func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case ReadyPrepare:
		return "READY_PREPARE"
	case ReadyCommit:
		return "READY_COMMIT"
	case ReadyExecute:
		return "READY_EXECUTE"
	case Executed:
		return "EXECUTED"
	default:
		return "UNKNOWN"
	}
}

// Bitmap is a 128-wide vote bitmap over sender ids (§3).
type Bitmap struct {
	words [2]uint64
}

// Set marks sender as having voted. It returns true if this is the
// first time sender was set (vote uniqueness, §8): a replica that
// equivocates still counts once.
func (b *Bitmap) Set(sender uint32) bool {
	if sender >= 128 {
		return false
	}
	word, bit := sender/64, sender%64
	mask := uint64(1) << bit
	if b.words[word]&mask != 0 {
		return false
	}
	b.words[word] |= mask
	return true
}

// Count returns the population count of the bitmap.
func (b *Bitmap) Count() int {
	return popcount(b.words[0]) + popcount(b.words[1])
}

func popcount(x uint64) int {
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}

// Collector is one TransactionCollector: the votes, main proposal, and
// state for a single sequence number. Exactly one instance exists per
// sequence, owned exclusively by the Commitment registry; ViewChange
// and CheckpointKeeper only ever hold borrowed references (§9).
type Collector struct {
	Seq uint64

	mu sync.Mutex

	state atomic.Int32 // State

	main       *wire.Request // the canonical PRE-PREPARE payload
	mainHash   wire.Hash
	hasMain    bool
	mainView   uint64
	alternates []*wire.Request // kept only while view change is possible

	prepareVotes map[wire.Hash]*Bitmap
	commitVotes  map[wire.Hash]*Bitmap

	preparedProof []wire.PreparedProof  // moved from prepare votes on prepared
	commitQC      []wire.SignatureInfo  // accumulated commit-phase signatures

	preparedHash wire.Hash
	isPrepared   bool
}

// New creates a collector for seq, on first touch.
func New(seq uint64) *Collector {
	return &Collector{
		Seq:          seq,
		prepareVotes: make(map[wire.Hash]*Bitmap),
		commitVotes:  make(map[wire.Hash]*Bitmap),
	}
}

// State returns the current lifecycle stage.
func (c *Collector) State() State { return State(c.state.Load()) }

// transitionTo enforces the monotonic state ordering (§3, §8). It
// returns false (no-op) if newState would not move the machine
// forward.
func (c *Collector) transitionTo(newState State) bool {
	for {
		cur := State(c.state.Load())
		if newState <= cur {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(newState)) {
			return true
		}
	}
}

// SetMain installs req as the collector's main proposal via
// compare-and-swap. It succeeds if no main is set yet, or if req's
// view is strictly higher than the current main's view and the
// collector has not yet reached ReadyCommit (this is how view-change
// primaries re-propose holes, §4.C).
func (c *Collector) SetMain(req *wire.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasMain {
		c.main = req
		c.mainHash = req.Hash
		c.mainView = req.CurrentView
		c.hasMain = true
		return true
	}
	if req.CurrentView > c.mainView && c.State() < ReadyCommit {
		c.alternates = append(c.alternates, c.main)
		c.main = req
		c.mainHash = req.Hash
		c.mainView = req.CurrentView
		return true
	}
	return false
}

// Main returns the current main proposal, if any.
func (c *Collector) Main() (*wire.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.main, c.hasMain
}

// MainHash returns the hash the main proposal is pinned to.
func (c *Collector) MainHash() (wire.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainHash, c.hasMain
}

// quorum is provided by the caller (2f+1), since the collector itself
// doesn't know cluster size.

// AddPrepare records a PREPARE vote from sender for hash. It returns
// the new vote count for that hash and whether this call is the one
// that crossed the quorum threshold into ReadyCommit.
func (c *Collector) AddPrepare(sender uint32, hash wire.Hash, quorum int) (count int, justPrepared bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bm, ok := c.prepareVotes[hash]
	if !ok {
		bm = &Bitmap{}
		c.prepareVotes[hash] = bm
	}
	bm.Set(sender)
	count = bm.Count()

	if !c.isPrepared && count >= quorum {
		c.isPrepared = true
		c.preparedHash = hash
		justPrepared = c.transitionTo(ReadyCommit)
	}
	return count, justPrepared
}

// PreparedHash returns the hash that reached prepared quorum, if any.
func (c *Collector) PreparedHash() (wire.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preparedHash, c.isPrepared
}

// SetPreparedProof records the 2f+1 {request,signature} pairs backing
// the prepared hash, for inclusion in a future VIEW-CHANGE.
func (c *Collector) SetPreparedProof(proof []wire.PreparedProof) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preparedProof = proof
}

// PreparedProof returns the stored prepared-proof list.
func (c *Collector) PreparedProof() []wire.PreparedProof {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.PreparedProof, len(c.preparedProof))
	copy(out, c.preparedProof)
	return out
}

// AddCommit records a COMMIT vote (QC share) from sender for hash. It
// returns the new count and whether this call crossed quorum into
// ReadyExecute.
func (c *Collector) AddCommit(sender uint32, hash wire.Hash, sig wire.SignatureInfo, quorum int) (count int, justCommitted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bm, ok := c.commitVotes[hash]
	if !ok {
		bm = &Bitmap{}
		c.commitVotes[hash] = bm
	}
	newSender := bm.Set(sender)
	count = bm.Count()
	if newSender {
		c.commitQC = append(c.commitQC, sig)
	}

	if count >= quorum && c.State() < ReadyExecute {
		justCommitted = c.transitionTo(ReadyExecute)
	}
	return count, justCommitted
}

// CommitQC returns the accumulated commit-phase signature list.
func (c *Collector) CommitQC() []wire.SignatureInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.SignatureInfo, len(c.commitQC))
	copy(out, c.commitQC)
	return out
}

// MarkExecuted transitions EXECUTED from ReadyExecute via CAS. It
// returns false if the collector was not in ReadyExecute (StateViolation).
func (c *Collector) MarkExecuted() bool {
	return c.state.CompareAndSwap(int32(ReadyExecute), int32(Executed))
}

// Registry owns every live Collector, keyed by sequence. Ownership is
// exclusive to Commitment; ViewChange and CheckpointKeeper only read
// through borrowed references returned by Get/Snapshot.
type Registry struct {
	mu   sync.RWMutex
	byID map[uint64]*Collector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]*Collector)}
}

// GetOrCreate returns the collector for seq, creating it on first
// touch (§3 lifecycle).
func (r *Registry) GetOrCreate(seq uint64) *Collector {
	r.mu.RLock()
	c, ok := r.byID[seq]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[seq]; ok {
		return c
	}
	c = New(seq)
	r.byID[seq] = c
	return c
}

// Get returns the collector for seq without creating it.
func (r *Registry) Get(seq uint64) (*Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[seq]
	return c, ok
}

// EvictUpTo destroys every collector with seq <= stableSeq, as
// triggered when a new stable checkpoint is adopted (§3, §4.E).
func (r *Registry) EvictUpTo(stableSeq uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for seq := range r.byID {
		if seq <= stableSeq {
			delete(r.byID, seq)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live collectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// SeqsInRange returns every tracked sequence number in (lo, hi].
func (r *Registry) SeqsInRange(lo, hi uint64) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint64
	for seq := range r.byID {
		if seq > lo && seq <= hi {
			out = append(out, seq)
		}
	}
	return out
}
