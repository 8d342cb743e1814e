package network

import (
	"context"
	"testing"

	"github.com/VanDung-dev/quorum-engine/consensus"
)

// FuzzInboundFrame pushes arbitrary frames through a memory endpoint into a
// node. Nothing may panic and the node must stay in a valid state.
// Run with: go test -fuzz=FuzzInboundFrame -fuzztime=30s ./network/
func FuzzInboundFrame(f *testing.F) {
	f.Add(consensus.Encode(consensus.NewProposal("b-1", "b", consensus.StateRunning)))
	f.Add(consensus.Encode(consensus.NewAcknowledgment("a-1", "b")))
	f.Add(consensus.Encode(consensus.NewCommit("b-1", "b", consensus.StateStopped)))
	f.Add([]byte{})
	f.Add([]byte{0x08, 0x07})
	f.Add(make([]byte, 1024))

	f.Fuzz(func(t *testing.T, data []byte) {
		net := NewMemoryNetwork(discardLogger())
		defer net.Close()

		cluster, _ := consensus.NewCluster("a", []consensus.NodeID{"a", "b"})
		var node *consensus.Node
		ep := net.Join("a", func(from consensus.NodeID, data []byte) {
			node.HandleFrame(from, data)
		})
		net.Join("b", func(consensus.NodeID, []byte) {})

		var err error
		node, err = consensus.NewNode(consensus.DefaultConfig(), cluster, ep, consensus.WithLogger(discardLogger()))
		if err != nil {
			t.Fatalf("NewNode failed: %v", err)
		}

		node.HandleFrame("b", data)
		if !node.State().Valid() {
			t.Errorf("Node in invalid state %d", node.State())
		}
		_ = ep.Send(context.Background(), "b", data)
	})
}

// FuzzMessageSizeCheck checks that frames above the wire limit never decode.
func FuzzMessageSizeCheck(f *testing.F) {
	f.Add(make([]byte, 100))
	f.Add(make([]byte, 1024))
	f.Add(make([]byte, 10*1024))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > consensus.MaxMessageSize {
			if _, err := consensus.Decode(data); err == nil {
				t.Errorf("Decoded %d-byte frame above limit %d", len(data), consensus.MaxMessageSize)
			}
		}
	})
}
