package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-written wire codec for the messages in deltawire.proto.
// Keep in sync with the proto file.

const MaxLabel = 0xFFFF

type MessageType int32

const (
	MessageTypeUnknown      MessageType = 0
	MessageTypeLabeledState MessageType = 1
	MessageTypeAck          MessageType = 2
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeLabeledState:
		return "LabeledState"
	case MessageTypeAck:
		return "Ack"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(self))
	}
}

// Frame is the transport envelope for all messages.
type Frame struct {
	MessageType  MessageType
	MessageBytes []byte
}

func (self *Frame) Marshal() []byte {
	var b []byte
	if self.MessageType != MessageTypeUnknown {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(self.MessageType))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, self.MessageBytes)
	return b
}

func UnmarshalFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.MessageType = MessageType(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			frame.MessageBytes = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return frame, nil
}

// LabeledState carries one state update, either a full encoded snapshot or
// a diff against an earlier label. The tag is decided here at the codec
// boundary: exactly one of Snapshot and Diff is non-nil.
type LabeledState struct {
	Label    uint16
	Snapshot []byte
	Diff     *Diff
}

func (self *LabeledState) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Label))
	if self.Snapshot != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, self.Snapshot)
	}
	if self.Diff != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, self.Diff.Marshal())
	}
	return b
}

func (self *LabeledState) ToFrame() *Frame {
	return &Frame{
		MessageType:  MessageTypeLabeledState,
		MessageBytes: self.Marshal(),
	}
}

func UnmarshalLabeledState(b []byte) (*LabeledState, error) {
	labeledState := &LabeledState{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if MaxLabel < v {
				return nil, fmt.Errorf("Label out of range: %d", v)
			}
			labeledState.Label = uint16(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			labeledState.Snapshot = append([]byte{}, v...)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			diff, err := UnmarshalDiff(v)
			if err != nil {
				return nil, err
			}
			labeledState.Diff = diff
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if (labeledState.Snapshot == nil) == (labeledState.Diff == nil) {
		return nil, fmt.Errorf("Labeled state must carry exactly one of snapshot and diff.")
	}
	return labeledState, nil
}

// Diff selects changed 4-byte words of a base snapshot layout. Flags carry
// one bit per word position; words supply replacement values for the set
// bits in bit-scan order.
type Diff struct {
	BaseLabel uint16
	Flags     []byte
	Words     []uint32
}

func (self *Diff) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.BaseLabel))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, self.Flags)
	if 0 < len(self.Words) {
		// packed fixed32
		packed := make([]byte, 0, 4*len(self.Words))
		for _, word := range self.Words {
			packed = protowire.AppendFixed32(packed, word)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func UnmarshalDiff(b []byte) (*Diff, error) {
	diff := &Diff{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if MaxLabel < v {
				return nil, fmt.Errorf("Base label out of range: %d", v)
			}
			diff.BaseLabel = uint16(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			diff.Flags = append([]byte{}, v...)
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for 0 < len(packed) {
				word, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				diff.Words = append(diff.Words, word)
				packed = packed[n:]
			}
			b = b[n:]
		case num == 3 && typ == protowire.Fixed32Type:
			// tolerate unpacked encoding
			word, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			diff.Words = append(diff.Words, word)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return diff, nil
}

// Ack confirms receipt of a label, receiver to sender.
type Ack struct {
	Label uint16
}

func (self *Ack) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.Label))
	return b
}

func (self *Ack) ToFrame() *Frame {
	return &Frame{
		MessageType:  MessageTypeAck,
		MessageBytes: self.Marshal(),
	}
}

func UnmarshalAck(b []byte) (*Ack, error) {
	ack := &Ack{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if MaxLabel < v {
				return nil, fmt.Errorf("Label out of range: %d", v)
			}
			ack.Label = uint16(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ack, nil
}
