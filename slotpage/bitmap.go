package slotpage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bitset"
)

// maxBitmapWords bounds the word count read from an untrusted stream. A
// conforming encoder never emits more than SlotCount/64 words; this only
// guards against a corrupt or hostile length prefix forcing a huge read.
const maxBitmapWords = 1 << 20

var (
	// ErrTruncated is returned when a stream ends before a complete value
	// could be read.
	ErrTruncated = errors.New("slotpage: truncated stream")
	// ErrCorrupt is returned when a stream is structurally well-formed but
	// contains an out-of-range field (a bad bit width, a set bit at an
	// index >= SlotCount, a negative or absurd word count).
	ErrCorrupt = errors.New("slotpage: corrupt stream")
)

// newPresenceSet returns an empty presence bitmap sized to SlotCount.
func newPresenceSet() *bitset.BitSet {
	return bitset.New(SlotCount)
}

// writeBitmap serializes bs to w in the on-disk format described in doc.go:
// a big-endian int32 word count followed by that many little-endian uint64
// words. highestSet is the index of the highest populated slot, or -1 if
// none are populated; the encoder emits the minimum number of words that
// covers it, per spec.
func writeBitmap(w io.Writer, bs *bitset.BitSet, highestSet int) error {
	wordCount := 0
	if highestSet >= 0 {
		wordCount = highestSet/64 + 1
	}

	if err := binary.Write(w, binary.BigEndian, int32(wordCount)); err != nil {
		return err
	}

	for wordIdx := 0; wordIdx < wordCount; wordIdx++ {
		var word uint64
		base := wordIdx * 64
		for b := 0; b < 64; b++ {
			idx := base + b
			if idx <= highestSet && bs.Test(uint(idx)) {
				word |= uint64(1) << uint(b)
			}
		}
		if err := binary.Write(w, binary.LittleEndian, word); err != nil {
			return err
		}
	}

	return nil
}

// readBitmap is the inverse of writeBitmap. It rejects any set bit at an
// index >= SlotCount, but tolerates trailing all-zero words.
func readBitmap(r io.Reader) (*bitset.BitSet, error) {
	var wordCount int32
	if err := binary.Read(r, binary.BigEndian, &wordCount); err != nil {
		return nil, fmt.Errorf("%w: word count: %v", ErrTruncated, err)
	}
	if wordCount < 0 {
		return nil, fmt.Errorf("%w: negative word count %d", ErrCorrupt, wordCount)
	}
	if wordCount > maxBitmapWords {
		return nil, fmt.Errorf("%w: word count %d exceeds limit", ErrCorrupt, wordCount)
	}

	bs := bitset.New(SlotCount)
	for wordIdx := 0; wordIdx < int(wordCount); wordIdx++ {
		var word uint64
		if err := binary.Read(r, binary.LittleEndian, &word); err != nil {
			return nil, fmt.Errorf("%w: word %d: %v", ErrTruncated, wordIdx, err)
		}

		base := wordIdx * 64
		for b := 0; b < 64; b++ {
			if word&(uint64(1)<<uint(b)) == 0 {
				continue
			}
			idx := base + b
			if idx >= SlotCount {
				return nil, fmt.Errorf("%w: set bit at index %d >= %d", ErrCorrupt, idx, SlotCount)
			}
			bs.Set(uint(idx))
		}
	}

	return bs, nil
}
