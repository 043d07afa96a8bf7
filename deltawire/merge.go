package deltawire

import (
	"encoding/binary"

	"github.com/deltawire/deltawire/protocol"
)

// a diff addresses the snapshot layout in fixed 4-byte words
const diffWordByteCount = 4

// mergeSnapshot reconstructs a snapshot by patching the base layout with
// the diff's words and decoding the result. The patch runs over a
// fixed-capacity buffer and is bounds checked: a diff that addresses words
// beyond the capacity, or whose word count disagrees with its flag bits,
// fails with a CodecError and leaves nothing half-applied.
func mergeSnapshot[T any](codec Codec[T], baseEncoded []byte, diff *protocol.Diff) (T, []byte, error) {
	var empty T

	if MaxSnapshotByteCount < ByteCount(len(baseEncoded)) {
		return empty, nil, ErrSnapshotOverflow
	}

	buffer := make([]byte, MaxSnapshotByteCount)
	copy(buffer, baseEncoded)

	wordIndex := 0
	for i := 0; i < 8*len(diff.Flags); i += 1 {
		if diff.Flags[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		if len(diff.Words) <= wordIndex {
			return empty, nil, newCodecError(
				"Diff flags select more words than supplied: %d.",
				len(diff.Words),
			)
		}
		offset := i * diffWordByteCount
		if len(buffer) < offset+diffWordByteCount {
			return empty, nil, newCodecError(
				"Diff word %d is out of bounds at offset %d.",
				i,
				offset,
			)
		}
		binary.BigEndian.PutUint32(buffer[offset:offset+diffWordByteCount], diff.Words[wordIndex])
		wordIndex += 1
	}
	if wordIndex != len(diff.Words) {
		return empty, nil, newCodecError(
			"Diff supplies %d words, flags select %d.",
			len(diff.Words),
			wordIndex,
		)
	}

	payloadByteCount := int(binary.BigEndian.Uint16(buffer[0:snapshotHeaderByteCount]))
	if int(MaxSnapshotByteCount) < snapshotHeaderByteCount+payloadByteCount {
		return empty, nil, newCodecError(
			"Patched header declares %d payload bytes.",
			payloadByteCount,
		)
	}

	encoded := make([]byte, snapshotHeaderByteCount+payloadByteCount)
	copy(encoded, buffer)

	value, err := DecodeSnapshot(codec, encoded)
	if err != nil {
		return empty, nil, err
	}
	return value, encoded, nil
}

// MakeDiff builds the word-level patch that turns one snapshot layout into
// another. Every word where the layouts differ gets a flag bit and a
// replacement word; layouts shorter than the other are compared as if
// zero padded. The result satisfies
// mergeSnapshot(codec, baseEncoded, MakeDiff(label, baseEncoded, targetEncoded))
// == targetEncoded.
func MakeDiff(baseLabel uint16, baseEncoded []byte, targetEncoded []byte) *protocol.Diff {
	maxByteCount := len(baseEncoded)
	if maxByteCount < len(targetEncoded) {
		maxByteCount = len(targetEncoded)
	}
	wordCount := (maxByteCount + diffWordByteCount - 1) / diffWordByteCount

	flags := make([]byte, (wordCount+7)/8)
	words := []uint32{}
	for i := 0; i < wordCount; i += 1 {
		baseWord := paddedWord(baseEncoded, i*diffWordByteCount)
		targetWord := paddedWord(targetEncoded, i*diffWordByteCount)
		if baseWord != targetWord {
			flags[i/8] |= 1 << (i % 8)
			words = append(words, targetWord)
		}
	}

	return &protocol.Diff{
		BaseLabel: baseLabel,
		Flags:     flags,
		Words:     words,
	}
}

// big-endian word at `offset`, reading missing bytes as zero
func paddedWord(b []byte, offset int) uint32 {
	var word uint32
	for i := 0; i < diffWordByteCount; i += 1 {
		word <<= 8
		if offset+i < len(b) {
			word |= uint32(b[offset+i])
		}
	}
	return word
}
