package deltawire

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

/*
Receiver side of a delta-snapshot state replication scheme:
- a sender periodically emits full snapshots of a replicated state and,
  between them, compact diffs against a recently acknowledged snapshot
- every update carries a 16-bit cyclic label
- the receiver reconstructs snapshots, acks every accepted label, and
  fans newly promoted states out to listeners

The transport delivers updates in arbitrary order with duplicates; the
reception pipeline owns the ordering and staleness policy.
*/

// the encoded snapshot layout is bounded, including the 2-byte header
const MaxSnapshotByteCount = ByteCount(32767)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// use this type when counting bytes
type ByteCount = int64
