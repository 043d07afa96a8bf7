package deltawire

import (
	"fmt"
)

// Labels are 16-bit cyclic sequence numbers, wrapping 65535->0. Ordering is
// decided on the signed-centered interpretation of the label space: labels
// in the upper half compare as negative values, so the comparison survives
// the wrap. All arithmetic is done on plain ints via explicit helpers,
// never on native unsigned overflow.

const (
	labelModulus   = 1 << 16
	labelHalfRange = labelModulus/2 - 1
)

type SequenceClass int

const (
	// strictly ahead of the cursor. Promotes the cursor on acceptance.
	SequenceNewer SequenceClass = iota
	// at or behind the cursor, within ring retention. Accepted and acked
	// so it can serve as a merge base, but never promotes the cursor.
	SequenceStale
	// behind the cursor by more than the ring capacity. Dropped without
	// an ack.
	SequenceTooOld
)

func (self SequenceClass) String() string {
	switch self {
	case SequenceNewer:
		return "newer"
	case SequenceStale:
		return "stale"
	case SequenceTooOld:
		return "tooold"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// signedLabel maps a label into [-32768, 32767]
func signedLabel(label uint16) int {
	if int(label) < labelModulus/2 {
		return int(label)
	}
	return int(label) - labelModulus
}

// forwardLabelDistance is the number of increments from `from` to reach
// `to`, in [0, 65535]
func forwardLabelDistance(from uint16, to uint16) int {
	return ((int(to) - int(from)) + labelModulus) % labelModulus
}

// classifyLabel orders a label against the cursor with a ring of `capacity`
// retained snapshots.
//
// Note the newer test keeps both disjuncts of the policy even though the
// wrap disjunct cannot fire without the first: the exact behavior near the
// half-range boundary is pinned by the tests, not simplified here.
func classifyLabel(label uint16, cursor uint16, capacity int) SequenceClass {
	sl := signedLabel(label)
	sc := signedLabel(cursor)

	newer := sc < sl || labelHalfRange < sl-sc

	// too old when the label lags the cursor beyond ring retention,
	// directly or across the wrap
	if capacity < sc-sl || (labelHalfRange < sl-sc && capacity < labelModulus-sl+sc) {
		return SequenceTooOld
	}
	if newer {
		return SequenceNewer
	}
	return SequenceStale
}

// SequenceTracker holds the receiver's cursor, the currently promoted
// label. The cursor only moves forward, under a newer classification.
type SequenceTracker struct {
	capacity int
	cursor   uint16
	// false until the first promotion. Before that every label is newer,
	// so the first accepted update always promotes.
	primed bool
}

func NewSequenceTracker(capacity int) *SequenceTracker {
	return &SequenceTracker{
		capacity: capacity,
	}
}

func (self *SequenceTracker) Cursor() (uint16, bool) {
	return self.cursor, self.primed
}

func (self *SequenceTracker) Classify(label uint16) SequenceClass {
	if !self.primed {
		return SequenceNewer
	}
	return classifyLabel(label, self.cursor, self.capacity)
}

// Promote moves the cursor. The caller must have classified the label as
// newer.
func (self *SequenceTracker) Promote(label uint16) {
	self.cursor = label
	self.primed = true
}
