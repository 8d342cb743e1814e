package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/quorum-engine/api"
	"github.com/VanDung-dev/quorum-engine/config"
	"github.com/VanDung-dev/quorum-engine/consensus"
	"github.com/VanDung-dev/quorum-engine/monitoring"
	"github.com/VanDung-dev/quorum-engine/network"
)

const shutdownTimeout = 5 * time.Second

// member is one running cluster member and its servers.
type member struct {
	id        string
	node      *consensus.Node
	transport *network.ZmqTransport
	admin     *api.Server
	metrics   *monitoring.MetricsServer
	logger    *slog.Logger
}

// newMember wires a node for id: transport, metrics registry, admin API
// and metrics endpoint. Addresses left empty in the file are not served.
func newMember(file *config.File, id string, auth *api.Authenticator, logger *slog.Logger) (*member, error) {
	self, ok := file.Member(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownMember, id)
	}
	cluster, err := file.Cluster(id)
	if err != nil {
		return nil, err
	}
	cfg, err := file.ConsensusConfig()
	if err != nil {
		return nil, err
	}

	logger = logger.With("node", id)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics("quorum", reg)

	zcfg := network.DefaultZmqConfig(consensus.NodeID(id), self.Address)
	zcfg.Logger = logger
	transport := network.NewZmqTransport(zcfg)
	for _, peer := range cluster.Peers() {
		m, _ := file.Member(string(peer))
		transport.RegisterPeer(peer, m.Address)
	}

	node, err := consensus.NewNode(cfg, cluster, transport,
		consensus.WithLogger(logger),
		consensus.WithObserver(metrics),
	)
	if err != nil {
		return nil, err
	}

	m := &member{
		id:        id,
		node:      node,
		transport: transport,
		logger:    logger,
	}

	if self.AdminAddress != "" {
		scfg := api.DefaultServerConfig()
		scfg.Address = self.AdminAddress
		m.admin, err = api.NewServer(node, scfg,
			api.WithAuthenticator(auth),
			api.WithMetrics(metrics),
			api.WithServerLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}

	if self.MetricsAddress != "" {
		m.metrics = monitoring.NewMetricsServer(self.MetricsAddress, reg, m.health)
	}

	return m, nil
}

// health reports whether the member can take part in rounds.
func (m *member) health() error {
	if !m.transport.GetStats().IsRunning {
		return network.ErrNodeNotRunning
	}
	if m.node.State() == consensus.StateStopped {
		return errors.New("node stopped")
	}
	return nil
}

// start binds every socket so that a bad address fails before anything
// is served.
func (m *member) start() error {
	if err := m.transport.Start(m.node.HandleFrame); err != nil {
		return err
	}
	if m.admin != nil {
		if err := m.admin.Listen(""); err != nil {
			m.transport.Stop()
			return err
		}
	}
	if m.metrics != nil {
		if err := m.metrics.Listen(); err != nil {
			m.transport.Stop()
			if m.admin != nil {
				m.admin.Stop()
			}
			return err
		}
	}
	return nil
}

// serve runs the admin and metrics servers until ctx is done, then stops
// everything.
func (m *member) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if m.admin != nil {
		g.Go(func() error {
			if err := m.admin.Serve(nil); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	if m.metrics != nil {
		m.logger.Info("metrics listening", "address", m.metrics.Addr())
		g.Go(m.metrics.Start)
	}

	g.Go(func() error {
		<-ctx.Done()
		m.stop()
		return nil
	})

	return g.Wait()
}

func (m *member) stop() {
	if m.admin != nil {
		m.admin.Stop()
	}
	if m.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.metrics.Stop(ctx); err != nil {
			m.logger.Warn("metrics shutdown", "error", err)
		}
	}
	m.transport.Stop()
	m.logger.Info("member stopped", "state", m.node.State().String())
}

// runMember serves a single member until ctx is cancelled.
func runMember(ctx context.Context, file *config.File, id string, logger *slog.Logger) error {
	auth := api.NewAuthenticatorFromEnv()
	if auth.IsEnabled() && os.Getenv(api.EnvAuthToken) == "" {
		pterm.Info.Printfln("Admin token (set %s to pin it): %s", api.EnvAuthToken, auth.GetToken())
	}

	m, err := newMember(file, id, auth, logger)
	if err != nil {
		return err
	}
	if err := m.start(); err != nil {
		return err
	}

	logger.Info("member started",
		"node", id,
		"cluster_size", m.node.Cluster().Size(),
		"quorum", consensus.Majority(m.node.Cluster().Size()),
	)
	return m.serve(ctx)
}
