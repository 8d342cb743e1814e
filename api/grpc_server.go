// Package api provides the admin gRPC server for quorum nodes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/VanDung-dev/quorum-engine/consensus"
	"github.com/VanDung-dev/quorum-engine/data"
	"github.com/VanDung-dev/quorum-engine/monitoring"
)

// Version is the current version of the quorum engine.
const Version = "0.1.0"

// NodeAPI is the part of consensus.Node the admin server drives.
type NodeAPI interface {
	ProposeAndWait(ctx context.Context, target consensus.State) (consensus.ProposalRecord, error)
	Stats() consensus.NodeStats
	Snapshot() []consensus.ProposalRecord
	State() consensus.State
}

// Server implements AdminService on top of a node.
type Server struct {
	node      NodeAPI
	auth      *Authenticator
	metrics   *monitoring.Metrics
	converter *data.Converter
	logger    *slog.Logger
	config    *ServerConfig

	// Server state
	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time

	// Statistics (atomic for thread-safety)
	requests  int64
	proposals int64
	failures  int64

	// Control
	running bool
	mu      sync.RWMutex
}

var _ AdminService = (*Server)(nil)

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:7101")
	Address string

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        "127.0.0.1:7101",
		MaxRecvMsgSize: 1024 * 1024,      // 1MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthenticator requires callers to present a valid token.
func WithAuthenticator(auth *Authenticator) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithMetrics records per-method request metrics.
func WithMetrics(m *monitoring.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new admin server for node.
func NewServer(node NodeAPI, config *ServerConfig, opts ...ServerOption) (*Server, error) {
	if node == nil {
		return nil, errors.New("nil node")
	}
	if config == nil {
		config = DefaultServerConfig()
	}

	s := &Server{
		node:      node,
		auth:      NewAuthenticator(AuthConfig{}),
		converter: data.NewConverter(),
		logger:    slog.Default(),
		config:    config,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "admin")
	return s, nil
}

// Listen binds address. An empty address uses the configured one.
func (s *Server) Listen(address string) error {
	if address == "" {
		address = s.config.Address
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, if any.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve serves on lis, or on the listener bound by Listen when lis is
// nil. It blocks until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	if lis == nil {
		lis = s.listener
	}
	if lis == nil {
		s.mu.Unlock()
		return fmt.Errorf("server has no listener")
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.auth.UnaryInterceptor(MethodHealth)),
	)
	RegisterAdminServer(s.grpcServer, s)

	s.running = true
	s.startTime = time.Now()
	srv := s.grpcServer
	s.mu.Unlock()

	s.logger.Info("admin API listening", "address", lis.Addr().String(), "auth", s.auth.IsEnabled())
	return srv.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.grpcServer
	s.mu.Unlock()

	// In-flight handlers take s.mu, so drain without holding it.
	if srv != nil {
		srv.GracefulStop()
	}
}

// Propose drives the named target state to commit.
func (s *Server) Propose(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	target, ok := consensus.ParseState(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown state %q", req.GetValue())
	}

	atomic.AddInt64(&s.proposals, 1)
	rec, err := s.node.ProposeAndWait(ctx, target)
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		s.logger.Warn("proposal failed", "target", target.String(), "proposal", string(rec.ProposalID), "error", err)
		return nil, toStatus(err)
	}

	latency := rec.CommittedAt.Sub(rec.CreatedAt)
	return structpb.NewStruct(map[string]interface{}{
		"proposal_id":  string(rec.ProposalID),
		"target_state": rec.TargetState.String(),
		"status":       rec.Status.String(),
		"ack_count":    rec.AckCount(),
		"latency_ms":   float64(latency.Microseconds()) / 1000,
		"state":        s.node.State().String(),
	})
}

// Status returns node statistics, with the admin server's own counters
// under "server".
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields, err := toFields(s.node.Stats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	server, err := toFields(s.GetStats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode server stats: %v", err)
	}
	fields["server"] = server
	return structpb.NewStruct(fields)
}

// Snapshot returns the node's proposal records as Arrow IPC bytes.
func (s *Server) Snapshot(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	stats := s.node.Stats()
	meta := data.SnapshotMeta{
		NodeID:      string(stats.NodeID),
		State:       stats.State,
		ClusterSize: stats.ClusterSize,
		Quorum:      stats.Quorum,
	}

	record := s.converter.RecordsToArrowBatch(meta, s.node.Snapshot())
	defer record.Release()

	raw, err := data.SerializeToIPC(record)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "serialize snapshot: %v", err)
	}
	return wrapperspb.Bytes(raw), nil
}

// Health returns the health status of the node.
func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.RLock()
	running := s.running
	startTime := s.startTime
	s.mu.RUnlock()

	return structpb.NewStruct(map[string]interface{}{
		"healthy":        running,
		"version":        Version,
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
		"state":          s.node.State().String(),
	})
}

// metricsInterceptor counts every request and records its latency.
func (s *Server) metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	atomic.AddInt64(&s.requests, 1)
	start := time.Now()
	resp, err := handler(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
	}
	return resp, err
}

// toStatus maps consensus errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, consensus.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, consensus.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toFields converts a json-tagged struct to a map for structpb.
func toFields(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ServerStats contains admin server statistics.
type ServerStats struct {
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	Proposals     int64   `json:"proposals"`
	Failures      int64   `json:"failures"`
}

// GetStats returns current server statistics.
func (s *Server) GetStats() ServerStats {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	return ServerStats{
		Version:       Version,
		UptimeSeconds: time.Since(startTime).Seconds(),
		Requests:      atomic.LoadInt64(&s.requests),
		Proposals:     atomic.LoadInt64(&s.proposals),
		Failures:      atomic.LoadInt64(&s.failures),
	}
}
