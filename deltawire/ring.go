package deltawire

// one reconstructed snapshot: the decoded state and the encoded layout it
// was decoded from. The encoded form is what later diffs patch.
type ringSnapshot[T any] struct {
	label   uint16
	value   T
	encoded []byte
}

// fixed-capacity cache of recent snapshots, keyed by label mod capacity.
// A put unconditionally overwrites the slot; ordering discipline is
// entirely the caller's. The memory footprint is fixed at
// capacity x MaxSnapshotByteCount.
type snapshotRing[T any] struct {
	slots []*ringSnapshot[T]
}

func newSnapshotRing[T any](capacity int) *snapshotRing[T] {
	return &snapshotRing[T]{
		slots: make([]*ringSnapshot[T], capacity),
	}
}

func (self *snapshotRing[T]) capacity() int {
	return len(self.slots)
}

func (self *snapshotRing[T]) slot(label uint16) int {
	return int(label) % len(self.slots)
}

func (self *snapshotRing[T]) get(label uint16) *ringSnapshot[T] {
	return self.slots[self.slot(label)]
}

func (self *snapshotRing[T]) put(label uint16, snapshot *ringSnapshot[T]) {
	self.slots[self.slot(label)] = snapshot
}
