package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// MemoryNetwork connects nodes living in one process. Each endpoint gets
// its own inbound lanes, so delivery keeps per-sender order like a real
// connection.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[consensus.NodeID]*MemoryEndpoint
	down      map[consensus.NodeID]bool
	logger    *slog.Logger
}

// MemoryEndpoint is one node's attachment to a MemoryNetwork. It
// implements consensus.Transport.
type MemoryEndpoint struct {
	id    consensus.NodeID
	net   *MemoryNetwork
	lanes *Lanes
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork(logger *slog.Logger) *MemoryNetwork {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryNetwork{
		endpoints: make(map[consensus.NodeID]*MemoryEndpoint),
		down:      make(map[consensus.NodeID]bool),
		logger:    logger,
	}
}

// Join attaches id to the network. Frames sent to id are passed to
// handler. Joining an id twice replaces the previous endpoint.
func (m *MemoryNetwork) Join(id consensus.NodeID, handler FrameHandler) *MemoryEndpoint {
	ep := &MemoryEndpoint{
		id:    id,
		net:   m,
		lanes: NewLanes(string(id), DefaultLaneQueueSize, handler, m.logger),
	}

	m.mu.Lock()
	old := m.endpoints[id]
	m.endpoints[id] = ep
	m.mu.Unlock()

	if old != nil {
		old.lanes.Shutdown()
	}
	return ep
}

// Partition makes id unreachable: sends to it fail and frames it sends
// are discarded.
func (m *MemoryNetwork) Partition(id consensus.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[id] = true
}

// Heal reverses Partition.
func (m *MemoryNetwork) Heal(id consensus.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.down, id)
}

// Close shuts down every endpoint.
func (m *MemoryNetwork) Close() {
	m.mu.Lock()
	endpoints := make([]*MemoryEndpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		endpoints = append(endpoints, ep)
	}
	m.endpoints = make(map[consensus.NodeID]*MemoryEndpoint)
	m.mu.Unlock()

	for _, ep := range endpoints {
		ep.lanes.Shutdown()
	}
}

// ID returns the endpoint's node id.
func (e *MemoryEndpoint) ID() consensus.NodeID {
	return e.id
}

// Send queues data for to. It fails with consensus.ErrPeerUnreachable
// when either side is partitioned or to never joined.
func (e *MemoryEndpoint) Send(ctx context.Context, to consensus.NodeID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", consensus.ErrPeerUnreachable, to, err)
	}

	e.net.mu.RLock()
	target, ok := e.net.endpoints[to]
	down := e.net.down[to] || e.net.down[e.id]
	e.net.mu.RUnlock()

	if !ok || down {
		return fmt.Errorf("%w: %s", consensus.ErrPeerUnreachable, to)
	}

	// Receivers must not see later mutations by the sender.
	buf := make([]byte, len(data))
	copy(buf, data)

	if err := target.lanes.Submit(e.id, buf); err != nil {
		return fmt.Errorf("%w: %s: %v", consensus.ErrPeerUnreachable, to, err)
	}
	return nil
}

// Stats returns the endpoint's inbound lane statistics.
func (e *MemoryEndpoint) Stats() LaneStats {
	return e.lanes.GetStats()
}
