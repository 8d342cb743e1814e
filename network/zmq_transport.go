package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("transport is not running")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrSendFailed     = errors.New("failed to send message")
)

// PeerInfo contains information about a cluster peer.
type PeerInfo struct {
	ID       consensus.NodeID `json:"id"`
	Address  string           `json:"address"`
	LastSeen time.Time        `json:"last_seen"`
}

// ZmqConfig holds ZmqTransport settings.
type ZmqConfig struct {
	// NodeID is used as the socket identity on every outbound connection.
	NodeID consensus.NodeID
	// ListenAddress is the ROUTER endpoint, e.g. tcp://127.0.0.1:7001.
	ListenAddress string
	// LaneQueueSize bounds the inbound buffer per peer.
	LaneQueueSize int
	// Logger receives transport events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultZmqConfig returns a config listening on address.
func DefaultZmqConfig(nodeID consensus.NodeID, address string) ZmqConfig {
	return ZmqConfig{
		NodeID:        nodeID,
		ListenAddress: address,
		LaneQueueSize: DefaultLaneQueueSize,
	}
}

// ZmqTransport carries consensus frames over ZeroMQ. It receives on one
// ROUTER socket and sends through one DEALER socket per peer; the DEALER
// identity is the local node id, so the ROUTER sees who sent each frame.
type ZmqTransport struct {
	nodeID  consensus.NodeID
	address string
	logger  *slog.Logger
	cfg     ZmqConfig

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket                      // ROUTER socket for receiving
	dealers map[consensus.NodeID]zmq4.Socket // DEALER sockets for sending (per peer)

	peers map[consensus.NodeID]*PeerInfo
	mu    sync.RWMutex

	lanes *Lanes

	received     int64
	sent         int64
	dropped      int64
	sendFailures int64

	running bool
	wg      sync.WaitGroup
}

// NewZmqTransport creates a transport. Call Start to begin receiving.
func NewZmqTransport(cfg ZmqConfig) *ZmqTransport {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ZmqTransport{
		nodeID:  cfg.NodeID,
		address: cfg.ListenAddress,
		logger:  logger.With("transport", "zmq"),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		dealers: make(map[consensus.NodeID]zmq4.Socket),
		peers:   make(map[consensus.NodeID]*PeerInfo),
	}
}

// Start binds the ROUTER socket and delivers inbound frames to handler,
// one FIFO lane per sending peer.
func (z *ZmqTransport) Start(handler FrameHandler) error {
	if handler == nil {
		return errors.New("nil frame handler")
	}

	z.mu.Lock()
	if z.running {
		z.mu.Unlock()
		return errors.New("transport already running")
	}

	z.router = zmq4.NewRouter(z.ctx, zmq4.WithID(zmq4.SocketIdentity(z.nodeID)))

	if err := z.router.Listen(z.address); err != nil {
		z.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	z.lanes = NewLanes(string(z.nodeID), z.cfg.LaneQueueSize, handler, z.logger)
	z.running = true
	z.mu.Unlock()

	z.wg.Add(1)
	go z.receiverLoop()

	z.logger.Info("transport listening", "address", z.address)
	return nil
}

// Stop gracefully shuts down the transport.
func (z *ZmqTransport) Stop() {
	z.mu.Lock()
	if !z.running {
		z.mu.Unlock()
		return
	}
	z.running = false
	z.mu.Unlock()

	z.cancel()

	// Best effort; errors are expected while tearing down.
	if z.router != nil {
		_ = z.router.Close()
	}

	z.mu.Lock()
	for id, dealer := range z.dealers {
		_ = dealer.Close()
		delete(z.dealers, id)
	}
	z.mu.Unlock()

	z.wg.Wait()
	z.lanes.Shutdown()
}

// RegisterPeer adds a peer to the known peers list.
func (z *ZmqTransport) RegisterPeer(peerID consensus.NodeID, address string) {
	z.mu.Lock()
	defer z.mu.Unlock()

	z.peers[peerID] = &PeerInfo{
		ID:      peerID,
		Address: address,
	}
}

// UnregisterPeer removes a peer and closes its connection.
func (z *ZmqTransport) UnregisterPeer(peerID consensus.NodeID) {
	z.mu.Lock()
	defer z.mu.Unlock()

	delete(z.peers, peerID)
	z.closeDealerLocked(peerID)
}

// Send delivers one frame to peer to. Connection failures and ctx expiry
// wrap consensus.ErrPeerUnreachable.
func (z *ZmqTransport) Send(ctx context.Context, to consensus.NodeID, data []byte) error {
	z.mu.RLock()
	if !z.running {
		z.mu.RUnlock()
		return ErrNodeNotRunning
	}
	peer, ok := z.peers[to]
	if !ok {
		z.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrPeerNotFound, to)
	}
	address := peer.Address
	z.mu.RUnlock()

	dealer, err := z.getOrCreateDealer(to, address)
	if err != nil {
		atomic.AddInt64(&z.sendFailures, 1)
		return fmt.Errorf("%w: %v", consensus.ErrPeerUnreachable, err)
	}

	// zmq4 sends do not take a context, so race the send against ctx.
	errCh := make(chan error, 1)
	go func() {
		errCh <- dealer.Send(zmq4.NewMsg(data))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			atomic.AddInt64(&z.sendFailures, 1)
			z.dropDealer(to, dealer)
			return fmt.Errorf("%w: %w: %v", consensus.ErrPeerUnreachable, ErrSendFailed, err)
		}
	case <-ctx.Done():
		atomic.AddInt64(&z.sendFailures, 1)
		z.dropDealer(to, dealer)
		return fmt.Errorf("%w: %s: %v", consensus.ErrPeerUnreachable, to, ctx.Err())
	}

	atomic.AddInt64(&z.sent, 1)
	return nil
}

// GetPeers returns a copy of all registered peers.
func (z *ZmqTransport) GetPeers() map[consensus.NodeID]PeerInfo {
	z.mu.RLock()
	defer z.mu.RUnlock()

	peers := make(map[consensus.NodeID]PeerInfo, len(z.peers))
	for id, peer := range z.peers {
		peers[id] = *peer
	}
	return peers
}

// getOrCreateDealer gets or creates a DEALER socket for a peer.
func (z *ZmqTransport) getOrCreateDealer(peerID consensus.NodeID, address string) (zmq4.Socket, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if dealer, ok := z.dealers[peerID]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(z.ctx, zmq4.WithID(zmq4.SocketIdentity(z.nodeID)))

	if err := dealer.Dial(address); err != nil {
		_ = dealer.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	z.dealers[peerID] = dealer
	return dealer, nil
}

// dropDealer closes dealer if it is still the current socket for peerID,
// so the next Send dials again.
func (z *ZmqTransport) dropDealer(peerID consensus.NodeID, dealer zmq4.Socket) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if current, ok := z.dealers[peerID]; ok && current == dealer {
		z.closeDealerLocked(peerID)
	}
}

func (z *ZmqTransport) closeDealerLocked(peerID consensus.NodeID) {
	if dealer, ok := z.dealers[peerID]; ok {
		_ = dealer.Close()
		delete(z.dealers, peerID)
	}
}

// receiverLoop continuously receives frames from the ROUTER socket.
func (z *ZmqTransport) receiverLoop() {
	defer z.wg.Done()

	for {
		select {
		case <-z.ctx.Done():
			return
		default:
		}

		msg, err := z.router.Recv()
		if err != nil {
			select {
			case <-z.ctx.Done():
				return
			default:
				continue
			}
		}

		// ROUTER prepends the sender's identity: [identity, payload].
		if len(msg.Frames) != 2 {
			atomic.AddInt64(&z.dropped, 1)
			z.logger.Warn("dropping frame with unexpected shape", "frames", len(msg.Frames))
			continue
		}
		from := consensus.NodeID(msg.Frames[0])
		payload := msg.Frames[1]

		if len(payload) > consensus.MaxMessageSize {
			atomic.AddInt64(&z.dropped, 1)
			z.logger.Warn("dropping oversized frame", "peer", string(from), "bytes", len(payload))
			continue
		}

		// Lanes are created per sender, so only registered peers get one.
		z.mu.Lock()
		peer, ok := z.peers[from]
		if ok {
			peer.LastSeen = time.Now()
		}
		z.mu.Unlock()
		if !ok {
			atomic.AddInt64(&z.dropped, 1)
			z.logger.Debug("dropping frame from unregistered sender", "peer", string(from))
			continue
		}

		atomic.AddInt64(&z.received, 1)
		if err := z.lanes.Submit(from, payload); err != nil {
			atomic.AddInt64(&z.dropped, 1)
			z.logger.Warn("dropping inbound frame", "peer", string(from), "error", err)
		}
	}
}

// TransportStats contains transport statistics.
type TransportStats struct {
	NodeID       consensus.NodeID `json:"node_id"`
	Address      string           `json:"address"`
	PeerCount    int              `json:"peer_count"`
	IsRunning    bool             `json:"is_running"`
	Received     int64            `json:"received"`
	Sent         int64            `json:"sent"`
	Dropped      int64            `json:"dropped"`
	SendFailures int64            `json:"send_failures"`
	Lanes        LaneStats        `json:"lanes"`
}

// GetStats returns current transport statistics.
func (z *ZmqTransport) GetStats() TransportStats {
	z.mu.RLock()
	stats := TransportStats{
		NodeID:    z.nodeID,
		Address:   z.address,
		PeerCount: len(z.peers),
		IsRunning: z.running,
	}
	lanes := z.lanes
	z.mu.RUnlock()

	stats.Received = atomic.LoadInt64(&z.received)
	stats.Sent = atomic.LoadInt64(&z.sent)
	stats.Dropped = atomic.LoadInt64(&z.dropped)
	stats.SendFailures = atomic.LoadInt64(&z.sendFailures)
	if lanes != nil {
		stats.Lanes = lanes.GetStats()
	}
	return stats
}
