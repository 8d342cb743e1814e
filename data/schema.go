// Package data provides Apache Arrow export of consensus proposal records.
// Snapshots are served as Arrow IPC streams so operators can load them
// into any Arrow-aware tool.
package data

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
)

// Schema metadata keys carried on every snapshot.
const (
	MetaNodeID      = "quorum.node_id"
	MetaState       = "quorum.state"
	MetaClusterSize = "quorum.cluster_size"
	MetaQuorum      = "quorum.quorum"
)

// SnapshotMeta describes the node a snapshot was taken from.
type SnapshotMeta struct {
	NodeID      string `json:"node_id"`
	State       string `json:"state"`
	ClusterSize int    `json:"cluster_size"`
	Quorum      int    `json:"quorum"`
}

// proposalFields returns the columns of a proposal record batch.
//
// Fields:
//   - proposal_id: string - Proposal identifier
//   - target_state: string - Proposed state name
//   - status: string - pending or committed
//   - ack_count: int32 - Distinct acknowledgers, self included
//   - acknowledgers: list<string> - Acknowledging node ids, sorted
//   - created_at: timestamp[ns] - Proposal start
//   - committed_at: timestamp[ns] (nullable) - Majority time
func proposalFields() []arrow.Field {
	return []arrow.Field{
		{Name: "proposal_id", Type: arrow.BinaryTypes.String},
		{Name: "target_state", Type: arrow.BinaryTypes.String},
		{Name: "status", Type: arrow.BinaryTypes.String},
		{Name: "ack_count", Type: arrow.PrimitiveTypes.Int32},
		{Name: "acknowledgers", Type: arrow.ListOf(arrow.BinaryTypes.String)},
		{Name: "created_at", Type: arrow.FixedWidthTypes.Timestamp_ns},
		{Name: "committed_at", Type: arrow.FixedWidthTypes.Timestamp_ns, Nullable: true},
	}
}

// ProposalSchema returns the Arrow schema for proposal records without
// node metadata.
func ProposalSchema() *arrow.Schema {
	return arrow.NewSchema(proposalFields(), nil)
}

// SnapshotSchema returns the proposal schema annotated with meta.
func SnapshotSchema(meta SnapshotMeta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaNodeID, MetaState, MetaClusterSize, MetaQuorum},
		[]string{meta.NodeID, meta.State, strconv.Itoa(meta.ClusterSize), strconv.Itoa(meta.Quorum)},
	)
	return arrow.NewSchema(proposalFields(), &md)
}

// MetaFromSchema reads SnapshotMeta back from schema metadata. Missing
// keys leave zero values.
func MetaFromSchema(schema *arrow.Schema) SnapshotMeta {
	md := schema.Metadata()
	get := func(key string) string {
		if idx := md.FindKey(key); idx >= 0 {
			return md.Values()[idx]
		}
		return ""
	}

	meta := SnapshotMeta{
		NodeID: get(MetaNodeID),
		State:  get(MetaState),
	}
	meta.ClusterSize, _ = strconv.Atoi(get(MetaClusterSize))
	meta.Quorum, _ = strconv.Atoi(get(MetaQuorum))
	return meta
}
