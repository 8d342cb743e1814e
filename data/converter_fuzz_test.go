package data

import (
	"testing"
	"time"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// FuzzDeserializeFromIPC feeds arbitrary bytes to the IPC reader.
// Run with: go test -fuzz=FuzzDeserializeFromIPC -fuzztime=30s ./data/
func FuzzDeserializeFromIPC(f *testing.F) {
	c := NewConverter()
	record := c.RecordsToArrowBatch(SnapshotMeta{NodeID: "a"}, sampleRecords())
	valid, _ := SerializeToIPC(record)
	record.Release()

	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte("ARROW1"))
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := DeserializeFromIPC(data)
		if err == nil && rec != nil {
			_, _ = c.ArrowBatchToJSON(rec)
			rec.Release()
		}
	})
}

// FuzzRecordsToArrowBatch checks arbitrary ids survive the round trip.
// Run with: go test -fuzz=FuzzRecordsToArrowBatch -fuzztime=30s ./data/
func FuzzRecordsToArrowBatch(f *testing.F) {
	f.Add("a-1", "b", int64(0))
	f.Add("", "", int64(-1))
	f.Add("very-long-id-that-exceeds-normal-expectations", "node", int64(1<<62))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, id, acker string, nanos int64) {
		in := []consensus.ProposalRecord{{
			ProposalID:  consensus.ProposalID(id),
			TargetState: consensus.StateRunning,
			Status:      consensus.ProposalPending,
			Acks:        map[consensus.NodeID]struct{}{consensus.NodeID(acker): {}},
			CreatedAt:   time.Unix(0, nanos),
		}}

		record := c.RecordsToArrowBatch(SnapshotMeta{}, in)
		defer record.Release()

		out, err := c.ArrowBatchToRecords(record)
		if err != nil {
			t.Fatalf("ArrowBatchToRecords failed: %v", err)
		}
		if out[0].ProposalID != in[0].ProposalID || !out[0].HasAck(consensus.NodeID(acker)) {
			t.Errorf("Round trip mismatch: %+v", out[0])
		}
	})
}
