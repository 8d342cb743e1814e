package consensus

import (
	"errors"
	"fmt"
)

// Protocol errors. Messages failing to decode are dropped by the node.
var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Tracker errors
var (
	ErrDuplicateProposal = errors.New("duplicate proposal")
	ErrUnknownProposal   = errors.New("unknown proposal")
)

// Node and cluster errors
var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrTimeout           = errors.New("proposal timed out before reaching majority")
	ErrNotMember         = errors.New("sender is not a cluster member")
	ErrPeerUnreachable   = errors.New("peer unreachable")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// IllegalTransitionError reports a rejected state change.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

// Is lets errors.Is match ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
