package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/quorum-engine/api"
	"github.com/VanDung-dev/quorum-engine/config"
	"github.com/VanDung-dev/quorum-engine/consensus"
)

// convergePoll is how often the demo checks member states after commit.
const convergePoll = 50 * time.Millisecond

// runDemo starts every member in this process, proposes Running from the
// first member and prints where each member ended up.
func runDemo(ctx context.Context, file *config.File, logger *slog.Logger) error {
	auth := api.NewAuthenticator(api.AuthConfig{})

	members := make([]*member, 0, len(file.Members))
	for _, id := range file.NodeIDs() {
		m, err := newMember(file, string(id), auth, logger)
		if err != nil {
			return err
		}
		members = append(members, m)
	}

	for i, m := range members {
		if err := m.start(); err != nil {
			for _, started := range members[:i] {
				started.stop()
			}
			return fmt.Errorf("start %s: %w", m.id, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error { return m.serve(gctx) })
	}

	proposer := members[0]
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("%s proposing %s", proposer.id, consensus.StateRunning))

	record, err := proposer.node.ProposeAndWait(gctx, consensus.StateRunning)
	if err != nil {
		spinner.Fail(err.Error())
		cancel()
		_ = g.Wait()
		return err
	}
	spinner.Success(fmt.Sprintf("%s committed with %d/%d acks",
		record.ProposalID, record.AckCount(), len(members)))

	// Commit messages to peers are asynchronous; give them a bounded
	// window to land before reporting.
	waitConverged(gctx, members, consensus.StateRunning, file)

	if err := printMembers(members); err != nil {
		logger.Warn("render table", "error", err)
	}

	cancel()
	return g.Wait()
}

func waitConverged(ctx context.Context, members []*member, target consensus.State, file *config.File) {
	cfg, _ := file.ConsensusConfig()
	deadline := time.NewTimer(cfg.ProposeTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(convergePoll)
	defer ticker.Stop()

	for {
		converged := true
		for _, m := range members {
			if m.node.State() != target {
				converged = false
				break
			}
		}
		if converged {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func printMembers(members []*member) error {
	data := pterm.TableData{{"Member", "Address", "State", "Proposed", "Committed", "Applied", "Reachable"}}
	for _, m := range members {
		stats := m.node.Stats()
		data = append(data, []string{
			m.id,
			m.transport.GetStats().Address,
			stats.State,
			strconv.FormatInt(stats.Proposed, 10),
			strconv.FormatInt(stats.Committed, 10),
			strconv.FormatInt(stats.Applied, 10),
			fmt.Sprintf("%d/%d", stats.ReachablePeers, stats.ClusterSize-1),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
