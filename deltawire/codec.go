package deltawire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"google.golang.org/protobuf/proto"
)

// Codec is the external collaborator that turns decoded state values into
// bytes and back. The snapshot layout framing (header, fixed capacity) is
// owned here, not by the codec.
type Codec[T any] interface {
	MarshalState(value T) ([]byte, error)
	UnmarshalState(b []byte) (T, error)
}

// the encoded snapshot layout is a 2-byte big-endian payload length
// followed by the codec payload. The header participates in the word
// layout, so a diff between snapshots of different sizes also patches the
// header.
const snapshotHeaderByteCount = 2

var ErrSnapshotOverflow = errors.New("Encoded snapshot exceeds the maximum snapshot size.")

// CodecError marks a recoverable per-message decode or merge failure. The
// update that produced it is skipped; the pipeline continues.
type CodecError struct {
	err error
}

func newCodecError(format string, a ...any) *CodecError {
	return &CodecError{err: fmt.Errorf(format, a...)}
}

func (self *CodecError) Error() string {
	return self.err.Error()
}

func (self *CodecError) Unwrap() error {
	return self.err
}

// EncodeSnapshot produces the snapshot layout for a state value.
func EncodeSnapshot[T any](codec Codec[T], value T) ([]byte, error) {
	payload, err := codec.MarshalState(value)
	if err != nil {
		return nil, &CodecError{err: err}
	}
	if MaxSnapshotByteCount < ByteCount(snapshotHeaderByteCount+len(payload)) {
		return nil, ErrSnapshotOverflow
	}
	b := make([]byte, snapshotHeaderByteCount+len(payload))
	binary.BigEndian.PutUint16(b[0:snapshotHeaderByteCount], uint16(len(payload)))
	copy(b[snapshotHeaderByteCount:], payload)
	return b, nil
}

// DecodeSnapshot decodes a snapshot layout, skipping the header.
func DecodeSnapshot[T any](codec Codec[T], b []byte) (T, error) {
	var empty T
	if len(b) < snapshotHeaderByteCount {
		return empty, newCodecError("Snapshot layout shorter than the header: %d bytes.", len(b))
	}
	if MaxSnapshotByteCount < ByteCount(len(b)) {
		return empty, ErrSnapshotOverflow
	}
	payloadByteCount := int(binary.BigEndian.Uint16(b[0:snapshotHeaderByteCount]))
	if len(b) < snapshotHeaderByteCount+payloadByteCount {
		return empty, newCodecError(
			"Snapshot header declares %d payload bytes, %d available.",
			payloadByteCount,
			len(b)-snapshotHeaderByteCount,
		)
	}
	value, err := codec.UnmarshalState(b[snapshotHeaderByteCount : snapshotHeaderByteCount+payloadByteCount])
	if err != nil {
		return empty, &CodecError{err: err}
	}
	return value, nil
}

// ProtoCodec adapts a protobuf message type to the codec contract.
// Marshaling is deterministic so that sender and receiver agree on the
// word layout that diffs patch.
type ProtoCodec[T proto.Message] struct {
	newState func() T
}

func NewProtoCodec[T proto.Message](newState func() T) *ProtoCodec[T] {
	return &ProtoCodec[T]{
		newState: newState,
	}
}

func (self *ProtoCodec[T]) MarshalState(value T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(value)
}

func (self *ProtoCodec[T]) UnmarshalState(b []byte) (T, error) {
	value := self.newState()
	if err := proto.Unmarshal(b, value); err != nil {
		var empty T
		return empty, err
	}
	return value, nil
}

// BytesCodec passes the payload through untouched, for consumers that
// forward or inspect opaque state.
type BytesCodec struct {
}

func (self *BytesCodec) MarshalState(value []byte) ([]byte, error) {
	return slices.Clone(value), nil
}

func (self *BytesCodec) UnmarshalState(b []byte) ([]byte, error) {
	return slices.Clone(b), nil
}
