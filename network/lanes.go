package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// Lane errors
var (
	ErrLanesClosed = errors.New("lanes are shut down")
	ErrLaneFull    = errors.New("lane queue is full")
)

// FrameHandler processes one inbound frame. from is the transport-level
// identity of the sender. Node.HandleFrame satisfies it.
type FrameHandler func(from consensus.NodeID, data []byte)

// DefaultLaneQueueSize is the per-peer inbound buffer.
const DefaultLaneQueueSize = 1024

type frame struct {
	from consensus.NodeID
	data []byte
}

type lane struct {
	frames chan frame
}

// LaneStats contains inbound lane statistics.
type LaneStats struct {
	Name        string  `json:"name"`
	Lanes       int     `json:"lanes"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// Lanes runs one worker goroutine per remote peer. Frames from the same
// peer are handled in arrival order; different peers run concurrently.
type Lanes struct {
	name      string
	handler   FrameHandler
	queueSize int
	logger    *slog.Logger

	lanes map[consensus.NodeID]*lane
	wg    sync.WaitGroup

	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewLanes creates lanes dispatching to handler. Lanes are created lazily
// on the first frame from each peer.
func NewLanes(name string, queueSize int, handler FrameHandler, logger *slog.Logger) *Lanes {
	if queueSize <= 0 {
		queueSize = DefaultLaneQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Lanes{
		name:      name,
		handler:   handler,
		queueSize: queueSize,
		logger:    logger,
		lanes:     make(map[consensus.NodeID]*lane),
		ctx:       ctx,
		cancel:    cancel,
		running:   true,
	}
}

// Submit queues data on the lane for from. It never blocks; a full lane
// rejects the frame.
func (l *Lanes) Submit(from consensus.NodeID, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return ErrLanesClosed
	}

	ln, ok := l.lanes[from]
	if !ok {
		ln = &lane{frames: make(chan frame, l.queueSize)}
		l.lanes[from] = ln
		l.wg.Add(1)
		go l.worker(from, ln)
	}

	select {
	case ln.frames <- frame{from: from, data: data}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, from)
	}
}

// worker drains one peer's lane.
func (l *Lanes) worker(peer consensus.NodeID, ln *lane) {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case f, ok := <-ln.frames:
			if !ok {
				return
			}
			l.process(peer, f)
		}
	}
}

// process runs the handler for a single frame.
func (l *Lanes) process(peer consensus.NodeID, f frame) {
	atomic.AddInt64(&l.active, 1)
	defer atomic.AddInt64(&l.active, -1)

	// A panicking handler must not take the lane down with it.
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&l.failed, 1)
			l.logger.Error("panic in frame handler", "lane", l.name, "peer", string(peer),
				"panic", panicToString(r))
		}
	}()

	l.handler(f.from, f.data)
	atomic.AddInt64(&l.completed, 1)
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return "unknown panic"
	}
}

// GetStats returns current lane statistics.
func (l *Lanes) GetStats() LaneStats {
	l.mu.RLock()
	count := len(l.lanes)
	pending := 0
	for _, ln := range l.lanes {
		pending += len(ln.frames)
	}
	l.mu.RUnlock()

	completed := atomic.LoadInt64(&l.completed)
	failed := atomic.LoadInt64(&l.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return LaneStats{
		Name:        l.name,
		Lanes:       count,
		Active:      atomic.LoadInt64(&l.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     pending,
		SuccessRate: successRate,
	}
}

// Shutdown stops accepting frames and waits for the workers to exit.
// Frames still queued are discarded.
func (l *Lanes) Shutdown() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	for _, ln := range l.lanes {
		close(ln.frames)
	}
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}

// ShutdownWithTimeout shuts down with a timeout.
func (l *Lanes) ShutdownWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		l.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the lanes still accept frames.
func (l *Lanes) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}
