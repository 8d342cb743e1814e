package consensus

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize bounds an encoded message. Larger frames are malformed.
const MaxMessageSize = 64 * 1024

// NodeID identifies a cluster member.
type NodeID string

// ProposalID identifies one proposal for the lifetime of the cluster.
type ProposalID string

// MessageType tags the three protocol messages. Zero is reserved so a
// missing tag can be told apart from a real one.
type MessageType uint8

const (
	MsgProposal MessageType = iota + 1
	MsgAcknowledgment
	MsgCommit
)

func (t MessageType) String() string {
	switch t {
	case MsgProposal:
		return "proposal"
	case MsgAcknowledgment:
		return "ack"
	case MsgCommit:
		return "commit"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Known reports whether t is a defined message type.
func (t MessageType) Known() bool {
	return t >= MsgProposal && t <= MsgCommit
}

// carriesState reports whether messages of type t include a target state.
func (t MessageType) carriesState() bool {
	return t == MsgProposal || t == MsgCommit
}

// Message is one protocol message. TargetState is only meaningful for
// Proposal and Commit.
type Message struct {
	Type        MessageType
	ProposalID  ProposalID
	Sender      NodeID
	TargetState State
}

// NewProposal builds a Proposal message.
func NewProposal(id ProposalID, sender NodeID, target State) Message {
	return Message{Type: MsgProposal, ProposalID: id, Sender: sender, TargetState: target}
}

// NewAcknowledgment builds an Acknowledgment message.
func NewAcknowledgment(id ProposalID, sender NodeID) Message {
	return Message{Type: MsgAcknowledgment, ProposalID: id, Sender: sender}
}

// NewCommit builds a Commit message.
func NewCommit(id ProposalID, sender NodeID, target State) Message {
	return Message{Type: MsgCommit, ProposalID: id, Sender: sender, TargetState: target}
}

func (m Message) String() string {
	if m.Type.carriesState() {
		return fmt.Sprintf("%s{id=%s from=%s state=%s}", m.Type, m.ProposalID, m.Sender, m.TargetState)
	}
	return fmt.Sprintf("%s{id=%s from=%s}", m.Type, m.ProposalID, m.Sender)
}

// Wire field numbers
const (
	fieldType        protowire.Number = 1
	fieldProposalID  protowire.Number = 2
	fieldSender      protowire.Number = 3
	fieldTargetState protowire.Number = 4
)

// Encode serializes m as a protobuf-compatible field stream. Fields are
// written in ascending order so the output is deterministic.
func Encode(m Message) []byte {
	b := make([]byte, 0, 16+len(m.ProposalID)+len(m.Sender))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldProposalID, protowire.BytesType)
	b = protowire.AppendString(b, string(m.ProposalID))
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, string(m.Sender))
	if m.Type.carriesState() {
		b = protowire.AppendTag(b, fieldTargetState, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.TargetState))
	}
	return b
}

// Decode parses bytes produced by Encode. It returns ErrUnknownType for an
// unrecognized type tag and ErrMalformed for everything else it cannot
// accept. Unknown field numbers are skipped.
func Decode(data []byte) (Message, error) {
	var (
		msg       Message
		typeTag   uint64
		hasType   bool
		hasID     bool
		hasSender bool
		hasState  bool
		stateRaw  uint64
	)

	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if len(data) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes (max: %d)", ErrMalformed, len(data), MaxMessageSize)
	}

	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldType, fieldTargetState:
			if typ != protowire.VarintType {
				return Message{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldType {
				typeTag, hasType = v, true
			} else {
				stateRaw, hasState = v, true
			}
		case fieldProposalID, fieldSender:
			if typ != protowire.BytesType {
				return Message{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldProposalID {
				msg.ProposalID, hasID = ProposalID(v), v != ""
			} else {
				msg.Sender, hasSender = NodeID(v), v != ""
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !hasType {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg.Type = MessageType(typeTag)
	if typeTag > 255 || !msg.Type.Known() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, typeTag)
	}
	if !hasID {
		return Message{}, fmt.Errorf("%w: %s missing proposal id", ErrMalformed, msg.Type)
	}
	if !hasSender {
		return Message{}, fmt.Errorf("%w: %s missing sender", ErrMalformed, msg.Type)
	}

	if msg.Type.carriesState() {
		if !hasState {
			return Message{}, fmt.Errorf("%w: %s missing target state", ErrMalformed, msg.Type)
		}
		if stateRaw > uint64(StateStopped) {
			return Message{}, fmt.Errorf("%w: invalid target state %d", ErrMalformed, stateRaw)
		}
		msg.TargetState = State(stateRaw)
	}

	return msg, nil
}
