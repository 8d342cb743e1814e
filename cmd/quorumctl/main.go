// Command quorumctl talks to a quorumd admin API.
//
// Usage:
//
//	quorumctl [-addr 127.0.0.1:7101] [-token T] propose running
//	quorumctl status -json
//	quorumctl snapshot [-json]
//	quorumctl health
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/VanDung-dev/quorum-engine/api"
	"github.com/VanDung-dev/quorum-engine/data"
)

// CtlConfig holds command line settings.
type CtlConfig struct {
	Address string
	Token   string
	Timeout time.Duration
	JSON    bool
	Command string
	Args    []string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

const usage = "usage: quorumctl [flags] propose <state> | status | snapshot [-json] | health"

// parseFlags reads the global flags, the command, then the command's own
// flags, so both "quorumctl -json status" and "quorumctl status -json" work.
func parseFlags(args []string) (*CtlConfig, error) {
	cfg := &CtlConfig{}

	global := flag.NewFlagSet("quorumctl", flag.ContinueOnError)
	global.StringVar(&cfg.Address, "addr", "127.0.0.1:7101", "admin API address")
	global.StringVar(&cfg.Token, "token", os.Getenv(api.EnvAuthToken), "bearer token (default $"+api.EnvAuthToken+")")
	global.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "request timeout")
	global.BoolVar(&cfg.JSON, "json", false, "print raw JSON")
	global.Usage = func() {
		fmt.Fprintln(global.Output(), usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return nil, err
	}
	if global.NArg() == 0 {
		global.Usage()
		return nil, errors.New("missing command")
	}
	cfg.Command = global.Arg(0)

	cmd := flag.NewFlagSet("quorumctl "+cfg.Command, flag.ContinueOnError)
	cmd.BoolVar(&cfg.JSON, "json", cfg.JSON, "print raw JSON")

	// Flags may follow positional arguments too.
	rest := global.Args()[1:]
	for {
		if err := cmd.Parse(rest); err != nil {
			return nil, err
		}
		if cmd.NArg() == 0 {
			break
		}
		cfg.Args = append(cfg.Args, cmd.Arg(0))
		rest = cmd.Args()[1:]
	}

	if want := argCount(cfg.Command); want >= 0 && len(cfg.Args) != want {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", cfg.Command, want, len(cfg.Args))
	}
	return cfg, nil
}

// argCount returns the positional argument count of command, or -1 for
// unknown commands, which run rejects.
func argCount(command string) int {
	switch command {
	case "propose":
		return 1
	case "status", "health", "snapshot":
		return 0
	default:
		return -1
	}
}

func run(cfg *CtlConfig) error {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(api.TokenCredentials{Token: cfg.Token}))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Address, err)
	}
	defer conn.Close()

	client := api.NewAdminClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	switch cfg.Command {
	case "propose":
		resp, err := client.Propose(ctx, cfg.Args[0])
		if err != nil {
			return err
		}
		return printStruct(cfg, resp)

	case "status":
		resp, err := client.Status(ctx)
		if err != nil {
			return err
		}
		return printStruct(cfg, resp)

	case "health":
		resp, err := client.Health(ctx)
		if err != nil {
			return err
		}
		return printStruct(cfg, resp)

	case "snapshot":
		raw, err := client.Snapshot(ctx)
		if err != nil {
			return err
		}
		return printSnapshot(cfg, raw)

	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

func printStruct(cfg *CtlConfig, s *structpb.Struct) error {
	if cfg.JSON {
		out, err := protojson.Marshal(s)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fields := s.AsMap()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := pterm.TableData{{"Field", "Value"}}
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprint(fields[k])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printSnapshot(cfg *CtlConfig, raw []byte) error {
	record, err := data.DeserializeFromIPC(raw)
	if err != nil {
		return err
	}
	defer record.Release()

	converter := data.NewConverter()
	if cfg.JSON {
		out, err := converter.ArrowBatchToJSON(record)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	meta := data.MetaFromSchema(record.Schema())
	pterm.Info.Printfln("node %s state=%s cluster=%d quorum=%d",
		meta.NodeID, meta.State, meta.ClusterSize, meta.Quorum)

	records, err := converter.ArrowBatchToRecords(record)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		pterm.Info.Println("no proposals")
		return nil
	}

	rows := pterm.TableData{{"Proposal", "Target", "Status", "Acks", "Acknowledgers", "Created"}}
	for _, r := range records {
		acks := make([]string, 0, r.AckCount())
		for _, id := range r.Acknowledgers() {
			acks = append(acks, string(id))
		}
		rows = append(rows, []string{
			string(r.ProposalID),
			r.TargetState.String(),
			r.Status.String(),
			fmt.Sprintf("%d/%d", r.AckCount(), meta.Quorum),
			strings.Join(acks, ","),
			r.CreatedAt.Format(time.RFC3339),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
