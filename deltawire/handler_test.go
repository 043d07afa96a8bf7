package deltawire

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/deltawire/deltawire/protocol"
)

func newTestHandler(t *testing.T, snapshotCount int) (*DiffHandler[*testVector], *[]uint16, chan *testVector, chan error) {
	acks := &[]uint16{}
	states := make(chan *testVector, 16)
	errs := make(chan error, 16)

	handler := NewDiffHandler[*testVector](
		NewId(),
		&testVectorCodec{},
		func(ack *protocol.Ack) {
			*acks = append(*acks, ack.Label)
		},
		func(source Id, label uint16, err error) {
			errs <- err
		},
		&DiffHandlerSettings{
			SnapshotCount:    snapshotCount,
			NotifyBufferSize: 16,
		},
	)
	t.Cleanup(handler.Close)
	handler.AddListener(func(source Id, state *testVector) {
		states <- state
	})
	return handler, acks, states, errs
}

func awaitState(t *testing.T, states chan *testVector) *testVector {
	select {
	case state := <-states:
		return state
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for a promoted state")
		return nil
	}
}

func encodeTestSnapshot(t *testing.T, value *testVector) []byte {
	encoded, err := EncodeSnapshot[*testVector](&testVectorCodec{}, value)
	assert.Equal(t, err, nil)
	return encoded
}

func TestHandlerScenarios(t *testing.T) {
	handler, acks, states, _ := newTestHandler(t, 4)

	// scenario A: a full snapshot is stored, acked, promoted, notified
	a := &testVector{X: 1, Y: 2, Z: 3}
	handler.Receive(&protocol.LabeledState{
		Label:    0,
		Snapshot: encodeTestSnapshot(t, a),
	})

	assert.Equal(t, []uint16{0}, *acks)
	cursor, primed := handler.tracker.Cursor()
	assert.Equal(t, true, primed)
	assert.Equal(t, uint16(0), cursor)
	assert.Equal(t, a, handler.ring.get(0).value)
	assert.Equal(t, a, awaitState(t, states))

	// scenario B: a diff against the cached base merges and promotes
	b := &testVector{X: 99, Y: 2, Z: 3}
	diff := MakeDiff(0, encodeTestSnapshot(t, a), encodeTestSnapshot(t, b))
	handler.Receive(&protocol.LabeledState{
		Label: 1,
		Diff:  diff,
	})

	assert.Equal(t, []uint16{0, 1}, *acks)
	cursor, _ = handler.tracker.Cursor()
	assert.Equal(t, uint16(1), cursor)
	assert.Equal(t, b, handler.ring.get(1).value)
	assert.Equal(t, b, awaitState(t, states))

	// scenario C: a duplicate label is stale. The ring write and ack still
	// happen, the cursor holds, listeners are not notified again
	c := &testVector{X: 7, Y: 7, Z: 7}
	handler.Receive(&protocol.LabeledState{
		Label:    1,
		Snapshot: encodeTestSnapshot(t, c),
	})

	assert.Equal(t, []uint16{0, 1, 1}, *acks)
	cursor, _ = handler.tracker.Cursor()
	assert.Equal(t, uint16(1), cursor)
	assert.Equal(t, c, handler.ring.get(1).value)

	// scenario D: with capacity 4 and cursor 1, label 5 lags slot-wise by
	// exactly the capacity and must still be stored, acked, and promoted
	d := &testVector{X: 5, Y: 5, Z: 5}
	handler.Receive(&protocol.LabeledState{
		Label:    5,
		Snapshot: encodeTestSnapshot(t, d),
	})

	assert.Equal(t, []uint16{0, 1, 1, 5}, *acks)
	cursor, _ = handler.tracker.Cursor()
	assert.Equal(t, uint16(5), cursor)
	assert.Equal(t, d, awaitState(t, states))

	// the stale duplicate from scenario C was never notified: the queue
	// delivered exactly A, B, D
	assert.Equal(t, 0, len(states))

	stats := handler.Stats()
	assert.Equal(t, int64(4), stats.ReceivedCount)
	assert.Equal(t, int64(4), stats.AckedCount)
	assert.Equal(t, int64(3), stats.PromotedCount)
	assert.Equal(t, int64(0), stats.DroppedCount)
}

func TestHandlerTooOld(t *testing.T) {
	handler, acks, _, _ := newTestHandler(t, 4)

	handler.Receive(&protocol.LabeledState{
		Label:    100,
		Snapshot: encodeTestSnapshot(t, &testVector{X: 1}),
	})
	assert.Equal(t, []uint16{100}, *acks)

	// too old: no ack, no ring write, no cursor change
	handler.Receive(&protocol.LabeledState{
		Label:    90,
		Snapshot: encodeTestSnapshot(t, &testVector{X: 2}),
	})

	assert.Equal(t, []uint16{100}, *acks)
	assert.Equal(t, nil, handler.ring.get(90))
	cursor, _ := handler.tracker.Cursor()
	assert.Equal(t, uint16(100), cursor)

	stats := handler.Stats()
	assert.Equal(t, int64(1), stats.DroppedCount)
	assert.Equal(t, int64(1), stats.AckedCount)
}

func TestHandlerMissingBase(t *testing.T) {
	handler, acks, states, errs := newTestHandler(t, 4)

	// a diff whose base was never cached: acked but skipped, and the
	// cursor is not promoted
	handler.Receive(&protocol.LabeledState{
		Label: 1,
		Diff: &protocol.Diff{
			BaseLabel: 0,
			Flags:     []byte{},
			Words:     []uint32{},
		},
	})

	assert.Equal(t, []uint16{1}, *acks)
	assert.Equal(t, nil, handler.ring.get(1))
	_, primed := handler.tracker.Cursor()
	assert.Equal(t, false, primed)

	err := <-errs
	assert.Equal(t, true, errors.Is(err, ErrMissingBase))

	// a full snapshot still recovers the connection
	a := &testVector{X: 1, Y: 2, Z: 3}
	handler.Receive(&protocol.LabeledState{
		Label:    2,
		Snapshot: encodeTestSnapshot(t, a),
	})
	assert.Equal(t, []uint16{1, 2}, *acks)
	assert.Equal(t, a, awaitState(t, states))
}

func TestHandlerInconsistentBase(t *testing.T) {
	handler, acks, _, errs := newTestHandler(t, 4)

	a := &testVector{X: 1, Y: 2, Z: 3}
	handler.Receive(&protocol.LabeledState{
		Label:    0,
		Snapshot: encodeTestSnapshot(t, a),
	})

	// label 4 overwrote slot 0, so a diff against base 0 cannot merge
	handler.Receive(&protocol.LabeledState{
		Label:    4,
		Snapshot: encodeTestSnapshot(t, &testVector{X: 4}),
	})

	diff := MakeDiff(0, encodeTestSnapshot(t, a), encodeTestSnapshot(t, &testVector{X: 9}))
	handler.Receive(&protocol.LabeledState{
		Label: 5,
		Diff:  diff,
	})

	assert.Equal(t, []uint16{0, 4, 5}, *acks)
	assert.Equal(t, nil, handler.ring.get(5))
	<-errs
	cursor, _ := handler.tracker.Cursor()
	assert.Equal(t, uint16(4), cursor)
}

func TestHandlerMergeError(t *testing.T) {
	handler, acks, _, errs := newTestHandler(t, 4)

	a := &testVector{X: 1, Y: 2, Z: 3}
	handler.Receive(&protocol.LabeledState{
		Label:    0,
		Snapshot: encodeTestSnapshot(t, a),
	})

	// flag/word mismatch: acked, skipped, ring slot for the label left
	// untouched, cursor not promoted
	handler.Receive(&protocol.LabeledState{
		Label: 1,
		Diff: &protocol.Diff{
			BaseLabel: 0,
			Flags:     []byte{0b00000011},
			Words:     []uint32{7},
		},
	})

	assert.Equal(t, []uint16{0, 1}, *acks)
	assert.Equal(t, nil, handler.ring.get(1))
	cursor, _ := handler.tracker.Cursor()
	assert.Equal(t, uint16(0), cursor)

	err := <-errs
	var codecErr *CodecError
	assert.Equal(t, true, errors.As(err, &codecErr))

	// the base slot is retained and still merges
	diff := MakeDiff(0, encodeTestSnapshot(t, a), encodeTestSnapshot(t, &testVector{X: 9, Y: 2, Z: 3}))
	handler.Receive(&protocol.LabeledState{
		Label: 2,
		Diff:  diff,
	})
	cursor, _ = handler.tracker.Cursor()
	assert.Equal(t, uint16(2), cursor)
}

func TestHandlerBadSnapshot(t *testing.T) {
	handler, acks, _, errs := newTestHandler(t, 4)

	// a full snapshot the codec rejects: acked, skipped, not promoted
	handler.Receive(&protocol.LabeledState{
		Label:    0,
		Snapshot: []byte{0x00, 0x01, 0xFF},
	})

	assert.Equal(t, []uint16{0}, *acks)
	assert.Equal(t, nil, handler.ring.get(0))
	_, primed := handler.tracker.Cursor()
	assert.Equal(t, false, primed)
	<-errs
}

func TestHandlerListenerRemove(t *testing.T) {
	handler, _, states, _ := newTestHandler(t, 4)

	removed := make(chan *testVector, 16)
	listenerId := handler.AddListener(func(source Id, state *testVector) {
		removed <- state
	})

	a := &testVector{X: 1}
	handler.Receive(&protocol.LabeledState{
		Label:    1,
		Snapshot: encodeTestSnapshot(t, a),
	})
	assert.Equal(t, a, awaitState(t, states))
	assert.Equal(t, a, awaitState(t, removed))

	handler.RemoveListener(listenerId)

	b := &testVector{X: 2}
	handler.Receive(&protocol.LabeledState{
		Label:    2,
		Snapshot: encodeTestSnapshot(t, b),
	})
	assert.Equal(t, b, awaitState(t, states))
	assert.Equal(t, 0, len(removed))
}

func TestHandlerNotifyBackpressure(t *testing.T) {
	acks := []uint16{}
	handler := NewDiffHandler[*testVector](
		NewId(),
		&testVectorCodec{},
		func(ack *protocol.Ack) {
			acks = append(acks, ack.Label)
		},
		nil,
		&DiffHandlerSettings{
			SnapshotCount:    4,
			NotifyBufferSize: 1,
		},
	)
	defer handler.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	states := make(chan *testVector, 16)
	handler.AddListener(func(source Id, state *testVector) {
		states <- state
		started <- struct{}{}
		<-release
	})

	// the first promotion blocks the dispatch goroutine in the listener
	handler.Receive(&protocol.LabeledState{
		Label:    1,
		Snapshot: encodeTestSnapshot(t, &testVector{X: 1}),
	})
	<-started

	// the second fills the queue, the third is dropped. Reception and
	// acking are unaffected.
	handler.Receive(&protocol.LabeledState{
		Label:    2,
		Snapshot: encodeTestSnapshot(t, &testVector{X: 2}),
	})
	handler.Receive(&protocol.LabeledState{
		Label:    3,
		Snapshot: encodeTestSnapshot(t, &testVector{X: 3}),
	})

	assert.Equal(t, []uint16{1, 2, 3}, acks)
	assert.Equal(t, int64(1), handler.Stats().NotifyDropCount)

	close(release)

	// the queued promotion is still delivered, the dropped one is not
	assert.Equal(t, uint32(1), awaitState(t, states).X)
	<-started
	assert.Equal(t, uint32(2), awaitState(t, states).X)

	select {
	case state := <-states:
		t.Fatalf("unexpected state %d", state.X)
	case <-time.After(100 * time.Millisecond):
	}
}
