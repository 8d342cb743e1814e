package consensus

import (
	"errors"
	"testing"
)

// FuzzDecode feeds random frames to Decode.
// Run with: go test -fuzz=FuzzDecode -fuzztime=30s ./consensus/
func FuzzDecode(f *testing.F) {
	f.Add(Encode(NewProposal("n1-1", "n1", StateRunning)))
	f.Add(Encode(NewAcknowledgment("n1-1", "n2")))
	f.Add(Encode(NewCommit("n1-1", "n1", StateStopped)))
	f.Add([]byte{})
	f.Add([]byte{0x08})
	f.Add([]byte{0x08, 0x07})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Decode(data)
		if err != nil {
			if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrUnknownType) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}

		// Anything accepted must survive a re-encode.
		again, err := Decode(Encode(msg))
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if again != msg {
			t.Fatalf("round trip mismatch: %s != %s", again, msg)
		}
	})
}
