package consensus

import (
	"errors"
	"time"
)

// Observer receives protocol events, typically to feed metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	MessageReceived(t MessageType)
	MessageSent(t MessageType)
	MessageDropped(reason string)
	ProposalStarted()
	AckRecorded(outcome AckOutcome)
	ProposalCommitted(latency time.Duration)
	ProposalTimedOut()
	StateApplied(from, to State)
	PeersReachable(n int)
}

// Drop reasons reported to Observer.MessageDropped.
const (
	DropMalformed         = "malformed"
	DropUnknownType       = "unknown_type"
	DropNotMember         = "not_member"
	DropUnknownProposal   = "unknown_proposal"
	DropIllegalTransition = "illegal_transition"
	DropUnreachable       = "unreachable"
	DropOther             = "other"
)

// DropReason maps an error to its drop reason label.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return DropUnknownType
	case errors.Is(err, ErrMalformed):
		return DropMalformed
	case errors.Is(err, ErrNotMember):
		return DropNotMember
	case errors.Is(err, ErrUnknownProposal):
		return DropUnknownProposal
	case errors.Is(err, ErrIllegalTransition):
		return DropIllegalTransition
	case errors.Is(err, ErrPeerUnreachable):
		return DropUnreachable
	default:
		return DropOther
	}
}

type nopObserver struct{}

func (nopObserver) MessageReceived(MessageType) {}
func (nopObserver) MessageSent(MessageType) {}
func (nopObserver) MessageDropped(string) {}
func (nopObserver) ProposalStarted() {}
func (nopObserver) AckRecorded(AckOutcome) {}
func (nopObserver) ProposalCommitted(time.Duration) {}
func (nopObserver) ProposalTimedOut() {}
func (nopObserver) StateApplied(State, State) {}
func (nopObserver) PeersReachable(int) {}
