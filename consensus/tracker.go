package consensus

import (
	"sort"
	"sync"
	"time"
)

// Majority returns the quorum size floor(n/2)+1 for a cluster of n members.
func Majority(n int) int {
	return n/2 + 1
}

// ProposalStatus is the lifecycle status of a tracked proposal.
type ProposalStatus int

const (
	ProposalPending ProposalStatus = iota
	ProposalCommitted
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// AckOutcome is the result of recording one acknowledgment.
type AckOutcome int

const (
	AckPending AckOutcome = iota
	AckMajorityReached
	AckAlreadyCommitted
)

func (o AckOutcome) String() string {
	switch o {
	case AckPending:
		return "pending"
	case AckMajorityReached:
		return "majority_reached"
	case AckAlreadyCommitted:
		return "already_committed"
	default:
		return "unknown"
	}
}

// ProposalRecord is the bookkeeping for one proposal this node originated.
type ProposalRecord struct {
	ProposalID  ProposalID
	TargetState State
	Acks        map[NodeID]struct{}
	Status      ProposalStatus
	CreatedAt   time.Time
	CommittedAt time.Time
}

// AckCount returns the number of distinct acknowledging nodes.
func (r *ProposalRecord) AckCount() int {
	return len(r.Acks)
}

// HasAck reports whether id has acknowledged the proposal.
func (r *ProposalRecord) HasAck(id NodeID) bool {
	_, ok := r.Acks[id]
	return ok
}

// Acknowledgers returns the acknowledging nodes in sorted order.
func (r *ProposalRecord) Acknowledgers() []NodeID {
	ids := make([]NodeID, 0, len(r.Acks))
	for id := range r.Acks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *ProposalRecord) clone() ProposalRecord {
	c := *r
	c.Acks = make(map[NodeID]struct{}, len(r.Acks))
	for id := range r.Acks {
		c.Acks[id] = struct{}{}
	}
	return c
}

// Tracker owns the proposal records a node is tallying and decides the
// commit point. Majority is always computed against the configured
// cluster size, never against currently reachable peers.
type Tracker struct {
	clusterSize int
	records     map[ProposalID]*ProposalRecord
	mu          sync.Mutex
}

// NewTracker creates a tracker for a cluster of clusterSize members.
func NewTracker(clusterSize int) *Tracker {
	if clusterSize <= 0 {
		clusterSize = 1
	}
	return &Tracker{
		clusterSize: clusterSize,
		records:     make(map[ProposalID]*ProposalRecord),
	}
}

// ClusterSize returns N.
func (t *Tracker) ClusterSize() int {
	return t.clusterSize
}

// Quorum returns Majority(N).
func (t *Tracker) Quorum() int {
	return Majority(t.clusterSize)
}

// BeginProposal creates a Pending record acknowledged by self.
func (t *Tracker) BeginProposal(id ProposalID, target State, self NodeID) (ProposalRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[id]; exists {
		return ProposalRecord{}, ErrDuplicateProposal
	}

	rec := &ProposalRecord{
		ProposalID:  id,
		TargetState: target,
		Acks:        map[NodeID]struct{}{self: {}},
		Status:      ProposalPending,
		CreatedAt:   time.Now(),
	}
	t.records[id] = rec
	return rec.clone(), nil
}

// RecordAck adds sender to the proposal's acknowledgment set.
//
// AckMajorityReached is returned only by the call whose insert makes the
// count equal the quorum, so it fires at most once per proposal whatever
// the arrival order. Once committed every call reports AckAlreadyCommitted.
func (t *Tracker) RecordAck(id ProposalID, sender NodeID) (AckOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return AckPending, ErrUnknownProposal
	}
	if rec.Status == ProposalCommitted {
		return AckAlreadyCommitted, nil
	}
	if _, dup := rec.Acks[sender]; dup {
		return AckPending, nil
	}

	rec.Acks[sender] = struct{}{}
	if len(rec.Acks) == Majority(t.clusterSize) {
		return AckMajorityReached, nil
	}
	return AckPending, nil
}

// MarkCommitted moves the record to Committed.
func (t *Tracker) MarkCommitted(id ProposalID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return ErrUnknownProposal
	}
	if rec.Status != ProposalCommitted {
		rec.Status = ProposalCommitted
		rec.CommittedAt = time.Now()
	}
	return nil
}

// Forget drops a pending record. Committed records are kept so late
// acknowledgments stay idempotent. Returns true if a record was removed.
func (t *Tracker) Forget(id ProposalID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || rec.Status == ProposalCommitted {
		return false
	}
	delete(t.records, id)
	return true
}

// Record returns a copy of the record for id.
func (t *Tracker) Record(id ProposalID) (ProposalRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return ProposalRecord{}, false
	}
	return rec.clone(), true
}

// Snapshot returns copies of every record ordered by creation time.
func (t *Tracker) Snapshot() []ProposalRecord {
	t.mu.Lock()
	out := make([]ProposalRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.clone())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProposalID < out[j].ProposalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pending returns the number of records not yet committed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rec := range t.records {
		if rec.Status == ProposalPending {
			n++
		}
	}
	return n
}
