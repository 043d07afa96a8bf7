package deltawire

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/deltawire/deltawire/protocol"
)

func TestMergeRoundTrip(t *testing.T) {
	codec := &testVectorCodec{}

	for i := 0; i < 100; i += 1 {
		base := &testVector{
			X: mathrand.Uint32(),
			Y: mathrand.Uint32(),
			Z: mathrand.Uint32(),
		}
		target := &testVector{
			X: mathrand.Uint32(),
			Y: mathrand.Uint32(),
			Z: mathrand.Uint32(),
		}

		baseEncoded, err := EncodeSnapshot[*testVector](codec, base)
		assert.Equal(t, err, nil)
		targetEncoded, err := EncodeSnapshot[*testVector](codec, target)
		assert.Equal(t, err, nil)

		diff := MakeDiff(0, baseEncoded, targetEncoded)
		assert.Equal(t, len(diff.Words), setBitCount(diff.Flags))

		value, encoded, err := mergeSnapshot(codec, baseEncoded, diff)
		assert.Equal(t, err, nil)
		assert.Equal(t, target, value)
		assert.Equal(t, targetEncoded, encoded)
	}
}

func TestMergeIdempotence(t *testing.T) {
	codec := &testVectorCodec{}

	base := &testVector{X: 10, Y: 20, Z: 30}
	baseEncoded, err := EncodeSnapshot[*testVector](codec, base)
	assert.Equal(t, err, nil)

	// a self diff selects nothing
	diff := MakeDiff(0, baseEncoded, baseEncoded)
	assert.Equal(t, 0, len(diff.Words))

	value, encoded, err := mergeSnapshot(codec, baseEncoded, diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, base, value)
	assert.Equal(t, baseEncoded, encoded)

	// so does an empty diff
	value, encoded, err = mergeSnapshot(codec, baseEncoded, &protocol.Diff{})
	assert.Equal(t, err, nil)
	assert.Equal(t, base, value)
	assert.Equal(t, baseEncoded, encoded)
}

func TestMergeSizeChange(t *testing.T) {
	codec := &BytesCodec{}

	baseEncoded, err := EncodeSnapshot[[]byte](codec, []byte("short"))
	assert.Equal(t, err, nil)
	targetEncoded, err := EncodeSnapshot[[]byte](codec, []byte("a much longer replicated state"))
	assert.Equal(t, err, nil)

	// growing and shrinking both patch the length header word
	diff := MakeDiff(0, baseEncoded, targetEncoded)
	value, encoded, err := mergeSnapshot(codec, baseEncoded, diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte("a much longer replicated state"), value)
	assert.Equal(t, targetEncoded, encoded)

	diff = MakeDiff(0, targetEncoded, baseEncoded)
	value, encoded, err = mergeSnapshot(codec, targetEncoded, diff)
	assert.Equal(t, err, nil)
	assert.Equal(t, []byte("short"), value)
	assert.Equal(t, baseEncoded, encoded)
}

func TestMergeWordCountMismatch(t *testing.T) {
	codec := &testVectorCodec{}

	baseEncoded, err := EncodeSnapshot[*testVector](codec, &testVector{X: 1, Y: 2, Z: 3})
	assert.Equal(t, err, nil)

	var codecErr *CodecError

	// flags select two words, only one supplied
	_, _, err = mergeSnapshot(codec, baseEncoded, &protocol.Diff{
		Flags: []byte{0b00000011},
		Words: []uint32{7},
	})
	assert.Equal(t, true, errors.As(err, &codecErr))

	// more words than flag bits
	_, _, err = mergeSnapshot(codec, baseEncoded, &protocol.Diff{
		Flags: []byte{0b00000001},
		Words: []uint32{7, 8},
	})
	assert.Equal(t, true, errors.As(err, &codecErr))
}

func TestMergeBounds(t *testing.T) {
	codec := &testVectorCodec{}

	baseEncoded, err := EncodeSnapshot[*testVector](codec, &testVector{X: 1, Y: 2, Z: 3})
	assert.Equal(t, err, nil)

	// a flag bit addressing a word beyond the fixed buffer capacity must
	// fail, never write out of bounds
	flags := make([]byte, int(MaxSnapshotByteCount)/diffWordByteCount/8+1)
	flags[len(flags)-1] = 0b10000000
	_, _, err = mergeSnapshot(codec, baseEncoded, &protocol.Diff{
		Flags: flags,
		Words: []uint32{7},
	})
	var codecErr *CodecError
	assert.Equal(t, true, errors.As(err, &codecErr))

	// a patched header cannot declare a payload beyond the capacity
	_, _, err = mergeSnapshot(codec, baseEncoded, &protocol.Diff{
		Flags: []byte{0b00000001},
		Words: []uint32{0xFFFF0000},
	})
	assert.Equal(t, true, errors.As(err, &codecErr))
}

func setBitCount(flags []byte) int {
	count := 0
	for i := 0; i < 8*len(flags); i += 1 {
		if flags[i/8]&(1<<(i%8)) != 0 {
			count += 1
		}
	}
	return count
}
