package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Transport delivers encoded messages to peers. Errors wrapping
// ErrPeerUnreachable mark the peer unreachable until it is heard from again.
type Transport interface {
	Send(ctx context.Context, to NodeID, data []byte) error
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the node's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithObserver sets the node's event observer.
func WithObserver(obs Observer) Option {
	return func(n *Node) {
		if obs != nil {
			n.observer = obs
		}
	}
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID           NodeID `json:"node_id"`
	State            string `json:"state"`
	ClusterSize      int    `json:"cluster_size"`
	Quorum           int    `json:"quorum"`
	ReachablePeers   int    `json:"reachable_peers"`
	PendingProposals int    `json:"pending_proposals"`
	Proposed         int64  `json:"proposed"`
	Committed        int64  `json:"committed"`
	Applied          int64  `json:"applied"`
	Dropped          int64  `json:"dropped"`
}

// Node is one cluster participant. It originates proposals, acknowledges
// proposals from peers and applies commits to its state machine.
type Node struct {
	id        NodeID
	cluster   Cluster
	cfg       Config
	transport Transport
	tracker   *Tracker
	machine   *StateMachine
	logger    *slog.Logger
	observer  Observer

	epoch int64
	seq   atomic.Uint64

	// commitMu makes RecordAck and MarkCommitted one step per proposal.
	commitMu sync.Mutex

	mu          sync.Mutex
	acked       map[ProposalID]struct{}
	applied     map[ProposalID]struct{}
	waiters     map[ProposalID]chan struct{}
	unreachable map[NodeID]struct{}

	proposed  int64
	committed int64
	appliedN  int64
	dropped   int64
}

// NewNode creates a node for cluster.Self() sending through transport.
func NewNode(cfg Config, cluster Cluster, transport Transport, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cluster.Size() == 0 {
		return nil, fmt.Errorf("%w: empty cluster", ErrInvalidConfig)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}

	n := &Node{
		id:          cluster.Self(),
		cluster:     cluster,
		cfg:         cfg,
		transport:   transport,
		tracker:     NewTracker(cluster.Size()),
		machine:     NewStateMachine(),
		logger:      slog.Default(),
		observer:    nopObserver{},
		epoch:       time.Now().UnixNano(),
		acked:       make(map[ProposalID]struct{}),
		applied:     make(map[ProposalID]struct{}),
		waiters:     make(map[ProposalID]chan struct{}),
		unreachable: make(map[NodeID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", string(n.id))

	n.machine.OnTransition(func(from, to State) {
		atomic.AddInt64(&n.appliedN, 1)
		n.observer.StateApplied(from, to)
		n.logger.Info("state applied", "from", from.String(), "to", to.String())
	})
	n.observer.PeersReachable(len(cluster.Peers()))

	return n, nil
}

// ID returns this node's id.
func (n *Node) ID() NodeID {
	return n.id
}

// Cluster returns the node's membership.
func (n *Node) Cluster() Cluster {
	return n.cluster
}

// State returns the node's current state.
func (n *Node) State() State {
	return n.machine.Current()
}

// Snapshot returns copies of the proposal records this node originated.
func (n *Node) Snapshot() []ProposalRecord {
	return n.tracker.Snapshot()
}

// Record returns the record for a proposal this node originated.
func (n *Node) Record(id ProposalID) (ProposalRecord, bool) {
	return n.tracker.Record(id)
}

// Propose starts a proposal to move the cluster to target and broadcasts
// it to every reachable peer. The returned handle resolves on commit.
func (n *Node) Propose(target State) (*ProposalHandle, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: invalid target state %d", ErrMalformed, int(target))
	}

	id := n.nextProposalID()
	done := make(chan struct{})

	n.mu.Lock()
	n.waiters[id] = done
	n.mu.Unlock()

	rec, err := n.tracker.BeginProposal(id, target, n.id)
	if err != nil {
		n.mu.Lock()
		delete(n.waiters, id)
		n.mu.Unlock()
		return nil, fmt.Errorf("begin proposal %s: %w", id, err)
	}

	atomic.AddInt64(&n.proposed, 1)
	n.observer.ProposalStarted()
	n.logger.Info("proposal started", "proposal", string(id), "target", target.String(),
		"quorum", n.tracker.Quorum())

	handle := &ProposalHandle{id: id, target: target, node: n, done: done}

	// A single-member cluster is already at quorum with the self-ack.
	if rec.AckCount() >= n.tracker.Quorum() {
		n.commitMu.Lock()
		err := n.tracker.MarkCommitted(id)
		n.commitMu.Unlock()
		if err != nil {
			return nil, err
		}
		n.finishCommit(id, target)
		return handle, nil
	}

	n.broadcast(NewProposal(id, n.id, target))
	return handle, nil
}

// ProposeAndWait proposes target and waits for the commit, bounded by
// Config.ProposeTimeout and ctx.
func (n *Node) ProposeAndWait(ctx context.Context, target State) (ProposalRecord, error) {
	h, err := n.Propose(target)
	if err != nil {
		return ProposalRecord{}, err
	}

	if n.cfg.ProposeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.ProposeTimeout)
		defer cancel()
	}

	waitErr := h.Wait(ctx)
	rec, ok := n.tracker.Record(h.id)
	if !ok {
		rec = ProposalRecord{ProposalID: h.id, TargetState: target}
	}
	return rec, waitErr
}

// HandleFrame decodes an inbound frame and dispatches it. identity is the
// transport-level sender; when non-empty it must match the message sender.
// Every failure is logged and the frame discarded.
func (n *Node) HandleFrame(identity NodeID, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		n.drop(err, "decode failed", "identity", string(identity), "bytes", len(data))
		return
	}
	if identity != "" && identity != msg.Sender {
		n.drop(fmt.Errorf("%w: identity %s claims %s", ErrNotMember, identity, msg.Sender),
			"sender identity mismatch", "message", msg.String())
		return
	}
	if err := n.OnMessage(msg); err != nil {
		n.logger.Debug("message rejected", "message", msg.String(), "error", err)
	}
}

// OnMessage dispatches a decoded message by type. Rejections are counted,
// logged and returned; none of them are fatal.
func (n *Node) OnMessage(msg Message) error {
	if !n.cluster.Contains(msg.Sender) {
		err := fmt.Errorf("%w: %s", ErrNotMember, msg.Sender)
		n.drop(err, "message from non-member", "message", msg.String())
		return err
	}
	n.observer.MessageReceived(msg.Type)
	if msg.Sender != n.id {
		n.markReachable(msg.Sender)
	}

	var err error
	switch msg.Type {
	case MsgProposal:
		err = n.handleProposal(msg)
	case MsgAcknowledgment:
		err = n.handleAck(msg)
	case MsgCommit:
		err = n.handleCommit(msg)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownType, uint8(msg.Type))
		n.drop(err, "unknown message type", "message", msg.String())
	}
	return err
}

func (n *Node) handleProposal(msg Message) error {
	if msg.Sender == n.id {
		return nil
	}
	if !msg.TargetState.Valid() {
		err := fmt.Errorf("%w: invalid target state %d", ErrMalformed, int(msg.TargetState))
		n.drop(err, "invalid proposal", "message", msg.String())
		return err
	}

	n.mu.Lock()
	if _, done := n.acked[msg.ProposalID]; done {
		n.mu.Unlock()
		return nil
	}
	n.acked[msg.ProposalID] = struct{}{}
	n.mu.Unlock()

	n.logger.Debug("acknowledging proposal", "proposal", string(msg.ProposalID),
		"from", string(msg.Sender), "target", msg.TargetState.String())
	n.send(msg.Sender, NewAcknowledgment(msg.ProposalID, n.id))
	return nil
}

func (n *Node) handleAck(msg Message) error {
	n.commitMu.Lock()
	outcome, err := n.tracker.RecordAck(msg.ProposalID, msg.Sender)
	if err != nil {
		n.commitMu.Unlock()
		n.drop(err, "acknowledgment rejected", "message", msg.String())
		return err
	}
	n.observer.AckRecorded(outcome)
	if outcome != AckMajorityReached {
		n.commitMu.Unlock()
		return nil
	}
	err = n.tracker.MarkCommitted(msg.ProposalID)
	rec, _ := n.tracker.Record(msg.ProposalID)
	n.commitMu.Unlock()
	if err != nil {
		return err
	}

	n.logger.Info("majority reached", "proposal", string(msg.ProposalID),
		"acks", rec.AckCount(), "quorum", n.tracker.Quorum())
	n.finishCommit(msg.ProposalID, rec.TargetState)
	return nil
}

func (n *Node) handleCommit(msg Message) error {
	if !msg.TargetState.Valid() {
		err := fmt.Errorf("%w: invalid target state %d", ErrMalformed, int(msg.TargetState))
		n.drop(err, "invalid commit", "message", msg.String())
		return err
	}
	return n.applyCommit(msg.ProposalID, msg.TargetState)
}

// finishCommit runs once per committed proposal on its originator.
func (n *Node) finishCommit(id ProposalID, target State) {
	atomic.AddInt64(&n.committed, 1)
	if rec, ok := n.tracker.Record(id); ok {
		n.observer.ProposalCommitted(rec.CommittedAt.Sub(rec.CreatedAt))
	}

	n.broadcast(NewCommit(id, n.id, target))
	_ = n.applyCommit(id, target)
	n.resolve(id)
}

// applyCommit applies target at most once per proposal id.
func (n *Node) applyCommit(id ProposalID, target State) error {
	n.mu.Lock()
	if _, done := n.applied[id]; done {
		n.mu.Unlock()
		return nil
	}
	n.applied[id] = struct{}{}
	n.mu.Unlock()

	if err := n.machine.Apply(target); err != nil {
		n.drop(err, "commit not applied", "proposal", string(id))
		return err
	}
	return nil
}

func (n *Node) resolve(id ProposalID) {
	n.mu.Lock()
	done, ok := n.waiters[id]
	delete(n.waiters, id)
	n.mu.Unlock()

	if ok {
		close(done)
	}
}

// waitExpired runs when a ProposalHandle waiter gives up.
func (n *Node) waitExpired(id ProposalID) {
	n.observer.ProposalTimedOut()

	if n.cfg.LateAckPolicy != LateAckAbandon {
		n.logger.Warn("proposal wait expired, record kept pending", "proposal", string(id))
		return
	}

	n.commitMu.Lock()
	forgotten := n.tracker.Forget(id)
	n.commitMu.Unlock()
	if forgotten {
		n.mu.Lock()
		delete(n.waiters, id)
		n.mu.Unlock()
		n.logger.Warn("proposal wait expired, record abandoned", "proposal", string(id))
	}
}

// broadcast sends msg to every reachable peer concurrently.
func (n *Node) broadcast(msg Message) {
	data := Encode(msg)

	var g errgroup.Group
	for _, peer := range n.reachablePeers() {
		g.Go(func() error {
			n.sendData(peer, msg.Type, data)
			return nil
		})
	}
	_ = g.Wait()
}

func (n *Node) send(to NodeID, msg Message) {
	if !n.isReachable(to) {
		n.logger.Debug("skipping unreachable peer", "peer", string(to), "message", msg.String())
		return
	}
	n.sendData(to, msg.Type, Encode(msg))
}

func (n *Node) sendData(to NodeID, t MessageType, data []byte) {
	ctx := context.Background()
	if n.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.SendTimeout)
		defer cancel()
	}

	if err := n.transport.Send(ctx, to, data); err != nil {
		n.logger.Warn("send failed", "peer", string(to), "type", t.String(), "error", err)
		if errors.Is(err, ErrPeerUnreachable) {
			n.PeerUnreachable(to)
		}
		return
	}
	n.observer.MessageSent(t)
}

// PeerUnreachable excludes id from further sends until a message from it
// arrives. The peer still counts toward the cluster size.
func (n *Node) PeerUnreachable(id NodeID) {
	if id == n.id || !n.cluster.Contains(id) {
		return
	}

	n.mu.Lock()
	_, already := n.unreachable[id]
	n.unreachable[id] = struct{}{}
	reachable := len(n.cluster.Peers()) - len(n.unreachable)
	n.mu.Unlock()

	if !already {
		n.logger.Warn("peer unreachable", "peer", string(id))
		n.observer.PeersReachable(reachable)
	}
}

func (n *Node) markReachable(id NodeID) {
	n.mu.Lock()
	_, was := n.unreachable[id]
	delete(n.unreachable, id)
	reachable := len(n.cluster.Peers()) - len(n.unreachable)
	n.mu.Unlock()

	if was {
		n.logger.Info("peer reachable again", "peer", string(id))
		n.observer.PeersReachable(reachable)
	}
}

func (n *Node) isReachable(id NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, down := n.unreachable[id]
	return !down
}

func (n *Node) reachablePeers() []NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()

	peers := n.cluster.Peers()
	out := peers[:0]
	for _, id := range peers {
		if _, down := n.unreachable[id]; !down {
			out = append(out, id)
		}
	}
	return out
}

func (n *Node) drop(err error, msg string, args ...any) {
	atomic.AddInt64(&n.dropped, 1)
	n.observer.MessageDropped(DropReason(err))
	n.logger.Warn(msg, append(args, "error", err)...)
}

func (n *Node) nextProposalID() ProposalID {
	return ProposalID(fmt.Sprintf("%s-%x-%d", n.id, n.epoch, n.seq.Add(1)))
}

// Stats returns current node statistics.
func (n *Node) Stats() NodeStats {
	n.mu.Lock()
	reachable := len(n.cluster.Peers()) - len(n.unreachable)
	n.mu.Unlock()

	return NodeStats{
		NodeID:           n.id,
		State:            n.machine.Current().String(),
		ClusterSize:      n.cluster.Size(),
		Quorum:           n.tracker.Quorum(),
		ReachablePeers:   reachable,
		PendingProposals: n.tracker.Pending(),
		Proposed:         atomic.LoadInt64(&n.proposed),
		Committed:        atomic.LoadInt64(&n.committed),
		Applied:          atomic.LoadInt64(&n.appliedN),
		Dropped:          atomic.LoadInt64(&n.dropped),
	}
}

// ProposalHandle lets a proposer wait for its proposal to commit.
type ProposalHandle struct {
	id     ProposalID
	target State
	node   *Node
	done   chan struct{}
}

// ID returns the proposal id.
func (h *ProposalHandle) ID() ProposalID {
	return h.id
}

// Target returns the proposed state.
func (h *ProposalHandle) Target() State {
	return h.target
}

// Done is closed once the proposal commits.
func (h *ProposalHandle) Done() <-chan struct{} {
	return h.done
}

// Committed reports whether the proposal has committed, without blocking.
func (h *ProposalHandle) Committed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the proposal commits or ctx ends. On ctx expiry it
// returns an error wrapping both ErrTimeout and ctx.Err(), and leaves the node's state
// untouched; what happens to the record depends on Config.LateAckPolicy.
func (h *ProposalHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		if h.Committed() {
			return nil
		}
		h.node.waitExpired(h.id)
		return fmt.Errorf("%w: %s: %w", ErrTimeout, h.id, ctx.Err())
	}
}
