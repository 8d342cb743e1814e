package consensus

import (
	"fmt"
	"sort"
	"time"
)

// LateAckPolicy decides what happens to a proposal whose waiter timed out.
type LateAckPolicy int

const (
	// LateAckComplete keeps the record Pending so a later acknowledgment
	// can still commit it.
	LateAckComplete LateAckPolicy = iota
	// LateAckAbandon forgets the record; later acknowledgments are
	// reported as unknown and dropped.
	LateAckAbandon
)

func (p LateAckPolicy) String() string {
	switch p {
	case LateAckComplete:
		return "complete"
	case LateAckAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// ParseLateAckPolicy converts a policy name to a LateAckPolicy.
func ParseLateAckPolicy(name string) (LateAckPolicy, error) {
	switch name {
	case "", "complete":
		return LateAckComplete, nil
	case "abandon":
		return LateAckAbandon, nil
	default:
		return LateAckComplete, fmt.Errorf("%w: unknown late ack policy %q", ErrInvalidConfig, name)
	}
}

// Config holds node tunables.
type Config struct {
	// ProposeTimeout bounds ProposeAndWait. Zero waits until the caller's
	// context ends.
	ProposeTimeout time.Duration

	// SendTimeout bounds a single outbound send.
	SendTimeout time.Duration

	// LateAckPolicy applies when a proposal waiter times out.
	LateAckPolicy LateAckPolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProposeTimeout: 5 * time.Second,
		SendTimeout:    2 * time.Second,
		LateAckPolicy:  LateAckComplete,
	}
}

// Validate checks the config for obviously wrong values.
func (c Config) Validate() error {
	if c.ProposeTimeout < 0 {
		return fmt.Errorf("%w: negative propose timeout", ErrInvalidConfig)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("%w: negative send timeout", ErrInvalidConfig)
	}
	if c.LateAckPolicy != LateAckComplete && c.LateAckPolicy != LateAckAbandon {
		return fmt.Errorf("%w: late ack policy %d", ErrInvalidConfig, c.LateAckPolicy)
	}
	return nil
}

// Cluster is the fixed membership a node belongs to. It is immutable
// once built.
type Cluster struct {
	self    NodeID
	members []NodeID
	index   map[NodeID]struct{}
}

// NewCluster builds the membership for self. members must include self
// and may not contain duplicates or empty ids.
func NewCluster(self NodeID, members []NodeID) (Cluster, error) {
	if self == "" {
		return Cluster{}, fmt.Errorf("%w: empty self id", ErrInvalidConfig)
	}
	if len(members) == 0 {
		return Cluster{}, fmt.Errorf("%w: no members", ErrInvalidConfig)
	}

	index := make(map[NodeID]struct{}, len(members))
	sorted := make([]NodeID, 0, len(members))
	for _, id := range members {
		if id == "" {
			return Cluster{}, fmt.Errorf("%w: empty member id", ErrInvalidConfig)
		}
		if _, dup := index[id]; dup {
			return Cluster{}, fmt.Errorf("%w: duplicate member %s", ErrInvalidConfig, id)
		}
		index[id] = struct{}{}
		sorted = append(sorted, id)
	}
	if _, ok := index[self]; !ok {
		return Cluster{}, fmt.Errorf("%w: self %s is not a member", ErrInvalidConfig, self)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return Cluster{self: self, members: sorted, index: index}, nil
}

// Self returns this node's id.
func (c Cluster) Self() NodeID {
	return c.self
}

// Size returns N, the total number of members including self.
func (c Cluster) Size() int {
	return len(c.members)
}

// Members returns a copy of every member id, sorted.
func (c Cluster) Members() []NodeID {
	out := make([]NodeID, len(c.members))
	copy(out, c.members)
	return out
}

// Peers returns every member except self, sorted.
func (c Cluster) Peers() []NodeID {
	out := make([]NodeID, 0, len(c.members))
	for _, id := range c.members {
		if id != c.self {
			out = append(out, id)
		}
	}
	return out
}

// Contains reports whether id is a member.
func (c Cluster) Contains(id NodeID) bool {
	_, ok := c.index[id]
	return ok
}
