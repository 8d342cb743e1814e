package consensus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMajority(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 6: 4, 7: 4}
	for n, want := range cases {
		if got := Majority(n); got != want {
			t.Errorf("Majority(%d): expected %d, got %d", n, want, got)
		}
	}
}

func TestBeginProposalSelfAck(t *testing.T) {
	tr := NewTracker(3)

	rec, err := tr.BeginProposal("p1", StateRunning, "a")
	if err != nil {
		t.Fatalf("BeginProposal failed: %v", err)
	}
	if rec.Status != ProposalPending {
		t.Errorf("Expected pending, got %s", rec.Status)
	}
	if rec.AckCount() != 1 || !rec.HasAck("a") {
		t.Errorf("Expected self-ack only, got %v", rec.Acknowledgers())
	}
}

func TestBeginProposalDuplicate(t *testing.T) {
	tr := NewTracker(3)
	_, _ = tr.BeginProposal("p1", StateRunning, "a")

	_, err := tr.BeginProposal("p1", StateStopped, "a")
	if err != ErrDuplicateProposal {
		t.Errorf("Expected ErrDuplicateProposal, got %v", err)
	}
}

func TestRecordAckUnknown(t *testing.T) {
	tr := NewTracker(3)

	_, err := tr.RecordAck("missing", "b")
	if err != ErrUnknownProposal {
		t.Errorf("Expected ErrUnknownProposal, got %v", err)
	}
}

func TestRecordAckMajority(t *testing.T) {
	tr := NewTracker(3)
	_, _ = tr.BeginProposal("p1", StateRunning, "a")

	out, err := tr.RecordAck("p1", "b")
	if err != nil {
		t.Fatalf("RecordAck failed: %v", err)
	}
	if out != AckMajorityReached {
		t.Errorf("Expected majority on second ack of three, got %s", out)
	}

	out, _ = tr.RecordAck("p1", "c")
	if out != AckPending {
		t.Errorf("Expected pending for ack past the threshold, got %s", out)
	}
}

func TestRecordAckDuplicateSender(t *testing.T) {
	tr := NewTracker(5)
	_, _ = tr.BeginProposal("p1", StateRunning, "a")

	for i := 0; i < 4; i++ {
		out, _ := tr.RecordAck("p1", "b")
		if out != AckPending {
			t.Errorf("Attempt %d: expected pending, got %s", i, out)
		}
	}
	// Self-ack redelivery counts nothing either.
	_, _ = tr.RecordAck("p1", "a")

	rec, _ := tr.Record("p1")
	if rec.AckCount() != 2 {
		t.Errorf("Expected 2 distinct acks, got %d", rec.AckCount())
	}
}

func TestRecordAckAfterCommit(t *testing.T) {
	tr := NewTracker(3)
	_, _ = tr.BeginProposal("p1", StateRunning, "a")
	_, _ = tr.RecordAck("p1", "b")
	if err := tr.MarkCommitted("p1"); err != nil {
		t.Fatalf("MarkCommitted failed: %v", err)
	}

	for _, sender := range []NodeID{"b", "c", "c", "a"} {
		out, err := tr.RecordAck("p1", sender)
		if err != nil {
			t.Fatalf("RecordAck failed: %v", err)
		}
		if out != AckAlreadyCommitted {
			t.Errorf("Expected already_committed, got %s", out)
		}
	}

	rec, _ := tr.Record("p1")
	if rec.Status != ProposalCommitted {
		t.Errorf("Expected committed, got %s", rec.Status)
	}
	if rec.HasAck("c") {
		t.Error("Acks after commit must not be recorded")
	}
	if rec.CommittedAt.IsZero() {
		t.Error("CommittedAt not set")
	}
}

func TestMarkCommittedUnknown(t *testing.T) {
	tr := NewTracker(3)
	if err := tr.MarkCommitted("nope"); err != ErrUnknownProposal {
		t.Errorf("Expected ErrUnknownProposal, got %v", err)
	}
}

func TestOutOfOrderAcksReachMajorityOnce(t *testing.T) {
	tr := NewTracker(5)
	_, _ = tr.BeginProposal("p1", StateRunning, "a")

	reached := 0
	for _, sender := range []NodeID{"e", "c", "e", "d", "b"} {
		out, _ := tr.RecordAck("p1", sender)
		if out == AckMajorityReached {
			reached++
		}
	}
	if reached != 1 {
		t.Errorf("Expected exactly one majority signal, got %d", reached)
	}
}

func TestRecordAckConcurrent(t *testing.T) {
	const n = 9
	tr := NewTracker(n)
	_, _ = tr.BeginProposal("p1", StateRunning, "n0")

	var reached int64
	var wg sync.WaitGroup
	for i := 1; i < n; i++ {
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func(id NodeID) {
				defer wg.Done()
				if out, _ := tr.RecordAck("p1", id); out == AckMajorityReached {
					atomic.AddInt64(&reached, 1)
				}
			}(NodeID(fmt.Sprintf("n%d", i)))
		}
	}
	wg.Wait()

	if reached != 1 {
		t.Errorf("Expected exactly one majority signal, got %d", reached)
	}
	rec, _ := tr.Record("p1")
	if rec.AckCount() != n {
		t.Errorf("Expected %d acks, got %d", n, rec.AckCount())
	}
}

func TestForget(t *testing.T) {
	tr := NewTracker(3)
	_, _ = tr.BeginProposal("pending", StateRunning, "a")
	_, _ = tr.BeginProposal("done", StateRunning, "a")
	_ = tr.MarkCommitted("done")

	if !tr.Forget("pending") {
		t.Error("Forget should drop a pending record")
	}
	if tr.Forget("done") {
		t.Error("Forget must keep committed records")
	}
	if _, err := tr.RecordAck("pending", "b"); !errors.Is(err, ErrUnknownProposal) {
		t.Errorf("Expected ErrUnknownProposal after forget, got %v", err)
	}
	if tr.Pending() != 0 {
		t.Errorf("Expected 0 pending, got %d", tr.Pending())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(3)
	_, _ = tr.BeginProposal("p1", StateRunning, "a")
	_, _ = tr.BeginProposal("p2", StateStopped, "a")

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(snap))
	}
	if snap[0].ProposalID != "p1" {
		t.Errorf("Expected creation order, got %s first", snap[0].ProposalID)
	}

	snap[0].Acks["zz"] = struct{}{}
	rec, _ := tr.Record("p1")
	if rec.HasAck("zz") {
		t.Error("Snapshot shares state with the tracker")
	}
}

func BenchmarkRecordAck(b *testing.B) {
	tr := NewTracker(5)
	for i := 0; i < b.N; i++ {
		id := ProposalID(fmt.Sprintf("p%d", i))
		_, _ = tr.BeginProposal(id, StateRunning, "a")
		_, _ = tr.RecordAck(id, "b")
		_, _ = tr.RecordAck(id, "c")
	}
}
