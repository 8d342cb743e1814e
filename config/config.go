// Package config loads the cluster topology file.
//
// The file is TOML with one [[member]] table per node and optional
// [consensus] and [log] tables:
//
//	[consensus]
//	propose_timeout = "5s"
//	late_ack_policy = "complete"
//
//	[[member]]
//	id = "a"
//	address = "tcp://127.0.0.1:7001"
//	admin_address = "127.0.0.1:7101"
//	metrics_address = "127.0.0.1:9101"
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// Configuration errors
var (
	ErrNoMembers     = errors.New("no members configured")
	ErrUnknownMember = errors.New("unknown member")
	ErrUnknownKeys   = errors.New("unknown configuration keys")
)

// Member is one [[member]] entry.
type Member struct {
	ID             string `toml:"id"`
	Address        string `toml:"address"`
	AdminAddress   string `toml:"admin_address"`
	MetricsAddress string `toml:"metrics_address"`
}

// Consensus is the [consensus] table. Zero values fall back to
// consensus.DefaultConfig.
type Consensus struct {
	ProposeTimeout time.Duration `toml:"propose_timeout"`
	SendTimeout    time.Duration `toml:"send_timeout"`
	LateAckPolicy  string        `toml:"late_ack_policy"`
}

// Log is the [log] table.
type Log struct {
	Level string `toml:"level"`
}

// File is a parsed cluster file.
type File struct {
	Members   []Member  `toml:"member"`
	Consensus Consensus `toml:"consensus"`
	Log       Log       `toml:"log"`
}

// Load reads and validates the cluster file at path.
func Load(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &f, nil
}

// Parse decodes and validates a cluster file held in memory.
func Parse(text string) (*File, error) {
	var f File
	md, err := toml.Decode(text, &f)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(names, ", "))
}

// Validate checks membership and consensus settings.
func (f *File) Validate() error {
	if len(f.Members) == 0 {
		return ErrNoMembers
	}

	seen := make(map[string]bool, len(f.Members))
	for i, m := range f.Members {
		if m.ID == "" {
			return fmt.Errorf("member %d: empty id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("member %s: duplicate id", m.ID)
		}
		seen[m.ID] = true
		if m.Address == "" {
			return fmt.Errorf("member %s: empty address", m.ID)
		}
	}

	if _, err := f.ConsensusConfig(); err != nil {
		return err
	}
	if _, err := f.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Member returns the entry for id.
func (f *File) Member(id string) (Member, bool) {
	for _, m := range f.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// NodeIDs returns every member id, sorted.
func (f *File) NodeIDs() []consensus.NodeID {
	ids := make([]consensus.NodeID, 0, len(f.Members))
	for _, m := range f.Members {
		ids = append(ids, consensus.NodeID(m.ID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Cluster builds the membership as seen from self.
func (f *File) Cluster(self string) (consensus.Cluster, error) {
	if _, ok := f.Member(self); !ok {
		return consensus.Cluster{}, fmt.Errorf("%w: %s", ErrUnknownMember, self)
	}
	return consensus.NewCluster(consensus.NodeID(self), f.NodeIDs())
}

// ConsensusConfig merges the [consensus] table over the defaults.
func (f *File) ConsensusConfig() (consensus.Config, error) {
	cfg := consensus.DefaultConfig()
	if f.Consensus.ProposeTimeout != 0 {
		cfg.ProposeTimeout = f.Consensus.ProposeTimeout
	}
	if f.Consensus.SendTimeout != 0 {
		cfg.SendTimeout = f.Consensus.SendTimeout
	}

	policy, err := consensus.ParseLateAckPolicy(f.Consensus.LateAckPolicy)
	if err != nil {
		return consensus.Config{}, err
	}
	cfg.LateAckPolicy = policy

	if err := cfg.Validate(); err != nil {
		return consensus.Config{}, err
	}
	return cfg, nil
}

// LogLevel parses the [log] level, defaulting to info.
func (f *File) LogLevel() (slog.Level, error) {
	var level slog.Level
	if f.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}
