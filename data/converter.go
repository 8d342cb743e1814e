package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// RecordJSON represents a proposal record in JSON format.
type RecordJSON struct {
	ProposalID    string     `json:"proposal_id"`
	TargetState   string     `json:"target_state"`
	Status        string     `json:"status"`
	AckCount      int        `json:"ack_count"`
	Acknowledgers []string   `json:"acknowledgers"`
	CreatedAt     time.Time  `json:"created_at"`
	CommittedAt   *time.Time `json:"committed_at,omitempty"`
}

// SnapshotJSON is a full snapshot in JSON format.
type SnapshotJSON struct {
	SnapshotMeta
	Records []RecordJSON `json:"records"`
}

// Converter handles proposal record to Arrow conversion.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{
		allocator: memory.DefaultAllocator,
	}
}

// NewConverterWithAllocator creates a Converter with a custom allocator.
func NewConverterWithAllocator(alloc memory.Allocator) *Converter {
	return &Converter{
		allocator: alloc,
	}
}

// RecordsToArrowBatch converts proposal records into one Arrow record
// batch carrying meta in its schema. An empty slice yields zero rows.
func (c *Converter) RecordsToArrowBatch(meta SnapshotMeta, records []consensus.ProposalRecord) arrow.Record {
	builder := array.NewRecordBuilder(c.allocator, SnapshotSchema(meta))
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.StringBuilder)
	targetBuilder := builder.Field(1).(*array.StringBuilder)
	statusBuilder := builder.Field(2).(*array.StringBuilder)
	countBuilder := builder.Field(3).(*array.Int32Builder)
	acksBuilder := builder.Field(4).(*array.ListBuilder)
	createdBuilder := builder.Field(5).(*array.TimestampBuilder)
	committedBuilder := builder.Field(6).(*array.TimestampBuilder)

	ackValues := acksBuilder.ValueBuilder().(*array.StringBuilder)

	for _, rec := range records {
		idBuilder.Append(string(rec.ProposalID))
		targetBuilder.Append(rec.TargetState.String())
		statusBuilder.Append(rec.Status.String())
		countBuilder.Append(int32(rec.AckCount()))

		acksBuilder.Append(true)
		for _, id := range rec.Acknowledgers() {
			ackValues.Append(string(id))
		}

		createdBuilder.Append(arrow.Timestamp(rec.CreatedAt.UnixNano()))
		if rec.CommittedAt.IsZero() {
			committedBuilder.AppendNull()
		} else {
			committedBuilder.Append(arrow.Timestamp(rec.CommittedAt.UnixNano()))
		}
	}

	return builder.NewRecord()
}

// ArrowBatchToRecords converts a record batch back into proposal records.
func (c *Converter) ArrowBatchToRecords(record arrow.Record) ([]consensus.ProposalRecord, error) {
	if record == nil {
		return nil, errors.New("record is nil")
	}
	if err := ValidateSchema(record, ProposalSchema()); err != nil {
		return nil, err
	}

	idCol := record.Column(0).(*array.String)
	targetCol := record.Column(1).(*array.String)
	statusCol := record.Column(2).(*array.String)
	acksCol := record.Column(4).(*array.List)
	createdCol := record.Column(5).(*array.Timestamp)
	committedCol := record.Column(6).(*array.Timestamp)

	ackValues, ok := acksCol.ListValues().(*array.String)
	if !ok {
		return nil, errors.New("column 4 (acknowledgers) is not a list of strings")
	}

	out := make([]consensus.ProposalRecord, 0, record.NumRows())
	for i := 0; i < int(record.NumRows()); i++ {
		target, ok := consensus.ParseState(targetCol.Value(i))
		if !ok {
			return nil, fmt.Errorf("row %d: unknown target state %q", i, targetCol.Value(i))
		}
		status, err := parseStatus(statusCol.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		rec := consensus.ProposalRecord{
			ProposalID:  consensus.ProposalID(idCol.Value(i)),
			TargetState: target,
			Status:      status,
			Acks:        make(map[consensus.NodeID]struct{}),
			CreatedAt:   time.Unix(0, int64(createdCol.Value(i))),
		}

		start, end := acksCol.ValueOffsets(i)
		for j := start; j < end; j++ {
			rec.Acks[consensus.NodeID(ackValues.Value(int(j)))] = struct{}{}
		}

		if !committedCol.IsNull(i) {
			rec.CommittedAt = time.Unix(0, int64(committedCol.Value(i)))
		}
		out = append(out, rec)
	}

	return out, nil
}

// ArrowBatchToJSON converts a snapshot record batch to JSON bytes.
func (c *Converter) ArrowBatchToJSON(record arrow.Record) ([]byte, error) {
	records, err := c.ArrowBatchToRecords(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SnapshotJSON{
		SnapshotMeta: MetaFromSchema(record.Schema()),
		Records:      RecordsToJSON(records),
	})
}

// RecordsToJSON converts proposal records to their JSON form.
func RecordsToJSON(records []consensus.ProposalRecord) []RecordJSON {
	out := make([]RecordJSON, 0, len(records))
	for _, rec := range records {
		r := RecordJSON{
			ProposalID:    string(rec.ProposalID),
			TargetState:   rec.TargetState.String(),
			Status:        rec.Status.String(),
			AckCount:      rec.AckCount(),
			Acknowledgers: make([]string, 0, rec.AckCount()),
			CreatedAt:     rec.CreatedAt,
		}
		for _, id := range rec.Acknowledgers() {
			r.Acknowledgers = append(r.Acknowledgers, string(id))
		}
		if !rec.CommittedAt.IsZero() {
			committed := rec.CommittedAt
			r.CommittedAt = &committed
		}
		out = append(out, r)
	}
	return out
}

func parseStatus(name string) (consensus.ProposalStatus, error) {
	switch name {
	case consensus.ProposalPending.String():
		return consensus.ProposalPending, nil
	case consensus.ProposalCommitted.String():
		return consensus.ProposalCommitted, nil
	default:
		return 0, fmt.Errorf("unknown proposal status %q", name)
	}
}

// ValidateSchema checks that a record has the expected columns. Schema
// metadata is not compared.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
