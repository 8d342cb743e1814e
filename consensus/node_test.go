package consensus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// envelope is one frame in flight between two test nodes.
type envelope struct {
	from NodeID
	to   NodeID
	msg  Message
	data []byte
}

// queueNet holds sent frames until the test delivers them, so tests
// control delivery order and can drop frames.
type queueNet struct {
	mu          sync.Mutex
	queue       []envelope
	nodes       map[NodeID]*Node
	unreachable map[NodeID]bool
}

type queueTransport struct {
	net  *queueNet
	from NodeID
}

func (qt *queueTransport) Send(_ context.Context, to NodeID, data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}

	qt.net.mu.Lock()
	defer qt.net.mu.Unlock()
	if qt.net.unreachable[to] {
		return ErrPeerUnreachable
	}
	qt.net.queue = append(qt.net.queue, envelope{from: qt.from, to: to, msg: msg, data: data})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueueCluster(t *testing.T, cfg Config, ids ...NodeID) (*queueNet, map[NodeID]*Node) {
	t.Helper()

	qn := &queueNet{nodes: make(map[NodeID]*Node), unreachable: make(map[NodeID]bool)}
	for _, id := range ids {
		cluster, err := NewCluster(id, ids)
		if err != nil {
			t.Fatalf("NewCluster failed: %v", err)
		}
		node, err := NewNode(cfg, cluster, &queueTransport{net: qn, from: id}, WithLogger(discardLogger()))
		if err != nil {
			t.Fatalf("NewNode failed: %v", err)
		}
		qn.nodes[id] = node
	}
	return qn, qn.nodes
}

// take removes and returns the first queued envelope matching fn.
func (qn *queueNet) take(fn func(envelope) bool) (envelope, bool) {
	qn.mu.Lock()
	defer qn.mu.Unlock()
	for i, env := range qn.queue {
		if fn(env) {
			qn.queue = append(qn.queue[:i], qn.queue[i+1:]...)
			return env, true
		}
	}
	return envelope{}, false
}

// deliver hands the first envelope matching fn to its destination.
func (qn *queueNet) deliver(t *testing.T, fn func(envelope) bool) envelope {
	t.Helper()
	env, ok := qn.take(fn)
	if !ok {
		t.Fatal("no matching envelope queued")
	}
	qn.nodes[env.to].HandleFrame(env.from, env.data)
	return env
}

func (qn *queueNet) deliverAll() {
	for {
		env, ok := qn.take(func(envelope) bool { return true })
		if !ok {
			return
		}
		qn.nodes[env.to].HandleFrame(env.from, env.data)
	}
}

func (qn *queueNet) count(fn func(envelope) bool) int {
	qn.mu.Lock()
	defer qn.mu.Unlock()
	n := 0
	for _, env := range qn.queue {
		if fn(env) {
			n++
		}
	}
	return n
}

func match(t MessageType, from, to NodeID) func(envelope) bool {
	return func(env envelope) bool {
		return env.msg.Type == t && (from == "" || env.from == from) && (to == "" || env.to == to)
	}
}

func TestNewNodeValidation(t *testing.T) {
	cluster, _ := NewCluster("a", []NodeID{"a", "b"})

	if _, err := NewNode(DefaultConfig(), cluster, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil transport, got %v", err)
	}
	if _, err := NewNode(DefaultConfig(), Cluster{}, &queueTransport{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for empty cluster, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.ProposeTimeout = -time.Second
	if _, err := NewNode(cfg, cluster, &queueTransport{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for negative timeout, got %v", err)
	}
}

func TestThreeNodeCommitOnSecondAck(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")

	h, err := nodes["a"].Propose(StateRunning)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if got := qn.count(match(MsgProposal, "a", "")); got != 2 {
		t.Fatalf("Expected 2 proposals broadcast, got %d", got)
	}

	qn.deliver(t, match(MsgProposal, "a", "b"))
	qn.deliver(t, match(MsgProposal, "a", "c"))
	if nodes["b"].State() != StateInit {
		t.Error("Acceptor changed state on proposal")
	}

	qn.deliver(t, match(MsgAcknowledgment, "b", "a"))

	// Majority(3)=2 is reached on B's ack; C's ack is still queued.
	if !h.Committed() {
		t.Fatal("Expected commit after second ack")
	}
	if nodes["a"].State() != StateRunning {
		t.Errorf("Proposer state: expected running, got %s", nodes["a"].State())
	}
	if got := qn.count(match(MsgCommit, "a", "")); got != 2 {
		t.Errorf("Expected 2 commits broadcast, got %d", got)
	}
	if got := qn.count(match(MsgAcknowledgment, "c", "a")); got != 1 {
		t.Errorf("Expected C's ack still queued, got %d", got)
	}

	qn.deliverAll()

	if got := qn.count(match(MsgCommit, "", "")); got != 0 {
		t.Errorf("Late ack triggered another commit: %d queued", got)
	}
	for id, node := range nodes {
		if node.State() != StateRunning {
			t.Errorf("Node %s: expected running, got %s", id, node.State())
		}
	}

	rec, ok := nodes["a"].Record(h.ID())
	if !ok {
		t.Fatal("Record missing on proposer")
	}
	if rec.Status != ProposalCommitted {
		t.Errorf("Expected committed, got %s", rec.Status)
	}
}

func TestOutOfOrderAcksCommitOnce(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")

	if _, err := nodes["a"].Propose(StateRunning); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	qn.deliver(t, match(MsgProposal, "a", "b"))
	qn.deliver(t, match(MsgProposal, "a", "c"))

	qn.deliver(t, match(MsgAcknowledgment, "c", "a"))
	qn.deliver(t, match(MsgAcknowledgment, "b", "a"))

	if got := qn.count(match(MsgCommit, "a", "")); got != 2 {
		t.Errorf("Expected one commit per peer (2), got %d", got)
	}
	if got := nodes["a"].Stats().Committed; got != 1 {
		t.Errorf("Expected 1 committed proposal, got %d", got)
	}
}

func TestDuplicateAckIgnored(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c", "d", "e")

	h, _ := nodes["a"].Propose(StateRunning)
	qn.deliver(t, match(MsgProposal, "a", "b"))
	ack := qn.deliver(t, match(MsgAcknowledgment, "b", "a"))

	// Redeliver B's ack; count must stay at 2 of 3 needed.
	nodes["a"].HandleFrame(ack.from, ack.data)
	nodes["a"].HandleFrame(ack.from, ack.data)

	rec, _ := nodes["a"].Record(h.ID())
	if rec.AckCount() != 2 {
		t.Errorf("Expected 2 acks, got %d", rec.AckCount())
	}
	if h.Committed() {
		t.Error("Duplicate acks must not reach majority")
	}
}

func TestProposalAcknowledgedOnce(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")

	_, _ = nodes["a"].Propose(StateRunning)
	env := qn.deliver(t, match(MsgProposal, "a", "b"))
	nodes["b"].HandleFrame(env.from, env.data)

	if got := qn.count(match(MsgAcknowledgment, "b", "a")); got != 1 {
		t.Errorf("Expected a single ack, got %d", got)
	}
}

func TestCommitWithoutProposal(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b")

	h, err := nodes["b"].Propose(StateRunning)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	// B's proposal to A is lost.
	if _, ok := qn.take(match(MsgProposal, "b", "a")); !ok {
		t.Fatal("Expected B's proposal to be queued")
	}

	// B's commit still reaches A.
	commit := NewCommit(h.ID(), "b", StateRunning)
	nodes["a"].HandleFrame("b", Encode(commit))

	if nodes["a"].State() != StateRunning {
		t.Errorf("Expected A to apply the commit, got %s", nodes["a"].State())
	}
	if nodes["b"].State() != StateInit {
		t.Errorf("B has no majority and must not change state, got %s", nodes["b"].State())
	}
}

func TestCommitIdempotent(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "a", "b")
	data := Encode(NewCommit("b-1-1", "b", StateStopped))

	nodes["a"].HandleFrame("b", data)
	if err := nodes["a"].OnMessage(NewCommit("b-1-1", "b", StateStopped)); err != nil {
		t.Errorf("Redelivered commit should be a no-op, got %v", err)
	}
	if nodes["a"].State() != StateStopped {
		t.Errorf("Expected stopped, got %s", nodes["a"].State())
	}
}

func TestIllegalCommitRejected(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "a", "b")
	a := nodes["a"]

	_ = a.OnMessage(NewCommit("b-1-1", "b", StateStopped))
	err := a.OnMessage(NewCommit("b-1-2", "b", StateRunning))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Expected ErrIllegalTransition, got %v", err)
	}
	if a.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", a.State())
	}
	if a.Stats().Dropped != 1 {
		t.Errorf("Expected 1 dropped message, got %d", a.Stats().Dropped)
	}
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "solo")

	rec, err := nodes["solo"].ProposeAndWait(context.Background(), StateRunning)
	if err != nil {
		t.Fatalf("ProposeAndWait failed: %v", err)
	}
	if rec.Status != ProposalCommitted {
		t.Errorf("Expected committed, got %s", rec.Status)
	}
	if nodes["solo"].State() != StateRunning {
		t.Errorf("Expected running, got %s", nodes["solo"].State())
	}
}

func TestRejectsNonMemberAndSpoofedSender(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b")
	a := nodes["a"]

	if err := a.OnMessage(NewCommit("x-1", "mallory", StateRunning)); !errors.Is(err, ErrNotMember) {
		t.Errorf("Expected ErrNotMember, got %v", err)
	}

	// Frame claims to be from b but arrives on a's own identity.
	a.HandleFrame("c", Encode(NewCommit("b-1", "b", StateRunning)))
	a.HandleFrame("b", []byte{0x08, 0x09})

	if a.State() != StateInit {
		t.Errorf("State changed on rejected frames: %s", a.State())
	}
	if got := a.Stats().Dropped; got != 3 {
		t.Errorf("Expected 3 dropped, got %d", got)
	}
	if qn.count(func(envelope) bool { return true }) != 0 {
		t.Error("Rejected frames must not produce replies")
	}
}

func TestAckForUnknownProposalDropped(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "a", "b")

	err := nodes["a"].OnMessage(NewAcknowledgment("never", "b"))
	if !errors.Is(err, ErrUnknownProposal) {
		t.Errorf("Expected ErrUnknownProposal, got %v", err)
	}
}

func TestProposeTimeoutKeepsPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProposeTimeout = 20 * time.Millisecond
	qn, nodes := newQueueCluster(t, cfg, "a", "b", "c")
	a := nodes["a"]

	rec, err := a.ProposeAndWait(context.Background(), StateRunning)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if rec.Status != ProposalPending {
		t.Errorf("Expected pending after timeout, got %s", rec.Status)
	}
	if a.State() != StateInit {
		t.Errorf("Timeout must not change state, got %s", a.State())
	}

	// A late ack still completes the proposal.
	qn.deliver(t, match(MsgProposal, "a", "b"))
	qn.deliver(t, match(MsgAcknowledgment, "b", "a"))

	got, _ := a.Record(rec.ProposalID)
	if got.Status != ProposalCommitted {
		t.Errorf("Expected late ack to commit, got %s", got.Status)
	}
	if a.State() != StateRunning {
		t.Errorf("Expected running, got %s", a.State())
	}
}

func TestWaitCancelledKeepsCause(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := nodes["a"].ProposeAndWait(ctx, StateRunning)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Cancelled wait must not report a deadline, got %v", err)
	}
}

func TestProposeTimeoutAbandon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProposeTimeout = 20 * time.Millisecond
	cfg.LateAckPolicy = LateAckAbandon
	qn, nodes := newQueueCluster(t, cfg, "a", "b", "c")
	a := nodes["a"]

	rec, err := a.ProposeAndWait(context.Background(), StateRunning)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if _, ok := a.Record(rec.ProposalID); ok {
		t.Error("Abandoned record should be forgotten")
	}

	qn.deliver(t, match(MsgProposal, "a", "b"))
	qn.deliver(t, match(MsgAcknowledgment, "b", "a"))

	if a.State() != StateInit {
		t.Errorf("Abandoned proposal must not commit, got %s", a.State())
	}
	if got := qn.count(match(MsgCommit, "", "")); got != 0 {
		t.Errorf("Expected no commit, got %d", got)
	}
}

func TestWaitReturnsOnCommit(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")

	h, _ := nodes["a"].Propose(StateStopped)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- h.Wait(ctx)
	}()

	qn.deliverAll()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for commit")
	}
	if h.Target() != StateStopped {
		t.Errorf("Expected target stopped, got %s", h.Target())
	}
}

func TestUnreachablePeerSkipped(t *testing.T) {
	qn, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")
	a := nodes["a"]

	qn.mu.Lock()
	qn.unreachable["c"] = true
	qn.mu.Unlock()

	h1, _ := a.Propose(StateRunning)
	if got := a.Stats().ReachablePeers; got != 1 {
		t.Errorf("Expected 1 reachable peer, got %d", got)
	}

	// Unreachable peers still count: b's ack alone commits 2 of 3.
	qn.deliverAll()
	if !h1.Committed() {
		t.Error("Expected commit with b's ack")
	}

	qn.mu.Lock()
	qn.unreachable["c"] = false
	qn.mu.Unlock()

	_, _ = a.Propose(StateStopped)
	if got := qn.count(match(MsgProposal, "a", "c")); got != 0 {
		t.Errorf("Unreachable peer should be skipped, got %d proposals", got)
	}

	// Hearing from c makes it reachable again.
	_ = a.OnMessage(NewAcknowledgment("unrelated", "c"))
	if got := a.Stats().ReachablePeers; got != 2 {
		t.Errorf("Expected 2 reachable peers, got %d", got)
	}
}

func TestProposalIDsUnique(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "a", "b", "c")

	seen := make(map[ProposalID]bool)
	for i := 0; i < 50; i++ {
		h, err := nodes["a"].Propose(StateRunning)
		if err != nil {
			t.Fatalf("Propose failed: %v", err)
		}
		if seen[h.ID()] {
			t.Fatalf("Duplicate proposal id %s", h.ID())
		}
		seen[h.ID()] = true
	}
}

func TestProposeInvalidState(t *testing.T) {
	_, nodes := newQueueCluster(t, DefaultConfig(), "a", "b")
	if _, err := nodes["a"].Propose(State(42)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}
