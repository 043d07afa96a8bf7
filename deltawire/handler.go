package deltawire

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"

	"github.com/deltawire/deltawire/protocol"
)

// note all callbacks are wrapped to check for nil and recover from errors

type StateFunction[T any] func(source Id, state T)
type AckFunction func(ack *protocol.Ack)
type ErrorFunction func(source Id, label uint16, err error)

var ErrMissingBase = fmt.Errorf("Missing base snapshot for merge.")

type DiffHandlerSettings struct {
	// ring capacity: how many reconstructed snapshots are retained, and
	// how far behind the cursor a label may lag before it is dropped
	SnapshotCount int
	// promoted states queued for listener dispatch. A slow listener drops
	// promotions rather than stalling reception.
	NotifyBufferSize int
}

func DefaultDiffHandlerSettings() *DiffHandlerSettings {
	return &DiffHandlerSettings{
		SnapshotCount:    30,
		NotifyBufferSize: 8,
	}
}

type DiffHandlerStats struct {
	ReceivedCount   int64
	AckedCount      int64
	DroppedCount    int64
	SkippedCount    int64
	PromotedCount   int64
	NotifyDropCount int64
}

// DiffHandler is one connection's reception pipeline. Per labeled message
// it classifies the label against the cursor, reconstructs a snapshot
// (directly or by merging a diff with its base from the ring), stores it,
// acks, and on a newer label promotes the cursor and notifies listeners.
//
// Calls to `Receive` must be serialized; the ring and cursor are unshared
// per-connection state with no internal locking. Listener dispatch runs on
// its own goroutine behind a bounded queue.
type DiffHandler[T any] struct {
	sourceId Id
	codec    Codec[T]
	settings *DiffHandlerSettings

	ackCallback   AckFunction
	errorCallback ErrorFunction

	tracker *SequenceTracker
	ring    *snapshotRing[T]

	stateCallbacks *callbackList[StateFunction[T]]
	notifications  chan T

	statsMutex sync.Mutex
	stats      DiffHandlerStats

	done      chan struct{}
	closeOnce sync.Once
}

func NewDiffHandlerWithDefaults[T any](
	sourceId Id,
	codec Codec[T],
	ackCallback AckFunction,
) *DiffHandler[T] {
	return NewDiffHandler(sourceId, codec, ackCallback, nil, DefaultDiffHandlerSettings())
}

func NewDiffHandler[T any](
	sourceId Id,
	codec Codec[T],
	ackCallback AckFunction,
	errorCallback ErrorFunction,
	settings *DiffHandlerSettings,
) *DiffHandler[T] {
	diffHandler := &DiffHandler[T]{
		sourceId:       sourceId,
		codec:          codec,
		settings:       settings,
		ackCallback:    ackCallback,
		errorCallback:  errorCallback,
		tracker:        NewSequenceTracker(settings.SnapshotCount),
		ring:           newSnapshotRing[T](settings.SnapshotCount),
		stateCallbacks: newCallbackList[StateFunction[T]](),
		notifications:  make(chan T, settings.NotifyBufferSize),
		done:           make(chan struct{}),
	}
	go diffHandler.run()
	return diffHandler
}

func (self *DiffHandler[T]) SourceId() Id {
	return self.sourceId
}

// AddListener registers a listener for promoted states and returns an id
// for removal. Listeners are invoked in registration order.
func (self *DiffHandler[T]) AddListener(listener StateFunction[T]) int {
	return self.stateCallbacks.add(listener)
}

func (self *DiffHandler[T]) RemoveListener(listenerId int) {
	self.stateCallbacks.remove(listenerId)
}

// Receive processes one labeled message.
func (self *DiffHandler[T]) Receive(labeledState *protocol.LabeledState) {
	label := labeledState.Label

	self.update(func(stats *DiffHandlerStats) {
		stats.ReceivedCount += 1
	})

	sequenceClass := self.tracker.Classify(label)
	if sequenceClass == SequenceTooOld {
		cursor, _ := self.tracker.Cursor()
		glog.V(1).Infof("[dh]%s drop too old %d vs cur %d\n", self.sourceId, label, cursor)
		self.update(func(stats *DiffHandlerStats) {
			stats.DroppedCount += 1
		})
		return
	}

	var snapshot *ringSnapshot[T]
	switch {
	case labeledState.Snapshot != nil:
		value, err := DecodeSnapshot(self.codec, labeledState.Snapshot)
		if err == nil {
			snapshot = &ringSnapshot[T]{
				label:   label,
				value:   value,
				encoded: slices.Clone(labeledState.Snapshot),
			}
		} else {
			self.error(label, err)
		}
	case labeledState.Diff != nil:
		diff := labeledState.Diff
		base := self.ring.get(diff.BaseLabel)
		if base == nil || base.label != diff.BaseLabel {
			self.error(label, fmt.Errorf("%w Base %d for label %d.", ErrMissingBase, diff.BaseLabel, label))
		} else {
			value, encoded, err := mergeSnapshot(self.codec, base.encoded, diff)
			if err == nil {
				glog.V(2).Infof("[dh]%s merged %d onto %d\n", self.sourceId, label, diff.BaseLabel)
				snapshot = &ringSnapshot[T]{
					label:   label,
					value:   value,
					encoded: encoded,
				}
			} else {
				self.error(label, err)
			}
		}
	default:
		self.error(label, newCodecError("Labeled state %d carries no payload.", label))
	}

	if snapshot != nil {
		self.ring.put(label, snapshot)
	}

	// ack everything that was not dropped as too old, including updates
	// that were skipped on a merge or decode failure
	if self.ackCallback != nil {
		func() {
			defer recover()
			self.ackCallback(&protocol.Ack{Label: label})
		}()
	}
	self.update(func(stats *DiffHandlerStats) {
		stats.AckedCount += 1
	})

	switch sequenceClass {
	case SequenceNewer:
		if snapshot == nil {
			// no snapshot was produced for this label. The cursor holds so
			// that a later update can still promote past it.
			self.update(func(stats *DiffHandlerStats) {
				stats.SkippedCount += 1
			})
			return
		}
		self.tracker.Promote(label)
		self.update(func(stats *DiffHandlerStats) {
			stats.PromotedCount += 1
		})
		self.notify(snapshot.value)
	case SequenceStale:
		cursor, _ := self.tracker.Cursor()
		glog.V(2).Infof("[dh]%s stale %d vs cur %d\n", self.sourceId, label, cursor)
	}
}

func (self *DiffHandler[T]) Stats() DiffHandlerStats {
	self.statsMutex.Lock()
	defer self.statsMutex.Unlock()
	return self.stats
}

func (self *DiffHandler[T]) update(callback func(stats *DiffHandlerStats)) {
	self.statsMutex.Lock()
	defer self.statsMutex.Unlock()
	callback(&self.stats)
}

func (self *DiffHandler[T]) error(label uint16, err error) {
	glog.V(1).Infof("[dh]%s skip %d = %s\n", self.sourceId, label, err)
	self.update(func(stats *DiffHandlerStats) {
		stats.SkippedCount += 1
	})
	if self.errorCallback != nil {
		func() {
			defer recover()
			self.errorCallback(self.sourceId, label, err)
		}()
	}
}

func (self *DiffHandler[T]) notify(state T) {
	select {
	case self.notifications <- state:
	default:
		glog.Infof("[dh]%s notify backpressure, dropping promotion\n", self.sourceId)
		self.update(func(stats *DiffHandlerStats) {
			stats.NotifyDropCount += 1
		})
	}
}

func (self *DiffHandler[T]) run() {
	for {
		select {
		case <-self.done:
			return
		case state := <-self.notifications:
			for _, stateCallback := range self.stateCallbacks.get() {
				func() {
					defer recover()
					stateCallback(self.sourceId, state)
				}()
			}
		}
	}
}

// Close tears the handler down. The ring and cursor are discarded; nothing
// is drained or persisted.
func (self *DiffHandler[T]) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		stats := self.Stats()
		glog.V(1).Infof(
			"[dh]%s close received=%d acked=%d dropped=%d skipped=%d promoted=%d\n",
			self.sourceId,
			stats.ReceivedCount,
			stats.AckedCount,
			stats.DroppedCount,
			stats.SkippedCount,
			stats.PromotedCount,
		)
	})
}
