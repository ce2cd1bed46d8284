package slotpage

import (
	"fmt"
	"io"
	"math/bits"
)

// SlotOffsets is a fixed-size slot-offset array: slot i is either -1
// (empty) or a non-negative byte offset into the page's payload region.
type SlotOffsets [SlotCount]int32

// Encode appends the presence bitmap for slotOffsets to w and, if any slot
// is populated, a bit-width byte followed by the bit-packed offsets in
// ascending slot-index order. A nil w is a programmer error and panics,
// matching the bit-packer's own precondition checks; w itself may fail
// mid-write (a closed file, a full disk) and that failure is returned, not
// panicked.
func Encode(w io.Writer, slotOffsets SlotOffsets) error {
	if w == nil {
		panic("slotpage: nil sink")
	}

	bs := newPresenceSet()
	scratch := make([]uint32, 0, SlotCount)
	var maxOffset uint32
	highestSet := -1

	for i, offset := range slotOffsets {
		if offset < 0 {
			continue
		}
		bs.Set(uint(i))
		highestSet = i
		v := uint32(offset)
		scratch = append(scratch, v)
		if v > maxOffset {
			maxOffset = v
		}
	}

	if err := writeBitmap(w, bs, highestSet); err != nil {
		return fmt.Errorf("slotpage: write presence bitmap: %w", err)
	}

	if len(scratch) == 0 {
		return nil
	}

	bitWidth := 32 - bits.LeadingZeros32(maxOffset)
	if bitWidth == 0 {
		bitWidth = 1
	}

	if _, err := w.Write([]byte{byte(bitWidth)}); err != nil {
		return fmt.Errorf("slotpage: write bit width: %w", err)
	}

	packed := Pack(nil, scratch, len(scratch), bitWidth)
	if _, err := w.Write(packed); err != nil {
		return fmt.Errorf("slotpage: write packed offsets: %w", err)
	}

	return nil
}

// Decode reads a stream produced by Encode and returns the slot-offset
// array it describes, with every unpopulated slot set to -1. A nil r is a
// programmer error and panics. A truncated or malformed stream is a data
// error returned to the caller; decode never returns a partial array.
func Decode(r io.Reader) (SlotOffsets, error) {
	var out SlotOffsets
	for i := range out {
		out[i] = -1
	}

	if r == nil {
		panic("slotpage: nil source")
	}

	bs, err := readBitmap(r)
	if err != nil {
		return out, fmt.Errorf("slotpage: read presence bitmap: %w", err)
	}

	k := int(bs.Count())
	if k == 0 {
		return out, nil
	}

	var bitWidthByte [1]byte
	if _, err := io.ReadFull(r, bitWidthByte[:]); err != nil {
		return out, fmt.Errorf("slotpage: read bit width: %w", wrapReadErr(err))
	}

	bitWidth := int(bitWidthByte[0])
	if bitWidth < 1 || bitWidth > 32 {
		return out, fmt.Errorf("%w: bit width %d out of range 1..32", ErrCorrupt, bitWidth)
	}

	totalBytes := (k*bitWidth + 7) / 8
	packed := make([]byte, totalBytes)
	if _, err := io.ReadFull(r, packed); err != nil {
		return out, fmt.Errorf("slotpage: read packed offsets: %w", wrapReadErr(err))
	}

	values, err := Unpack(packed, k, bitWidth)
	if err != nil {
		return out, fmt.Errorf("slotpage: unpack offsets: %w", err)
	}

	j := 0
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		out[i] = int32(values[j])
		j++
	}

	return out, nil
}

// wrapReadErr normalizes io.EOF and io.ErrUnexpectedEOF -- both of which
// io.ReadFull can return for a short source -- into ErrTruncated.
func wrapReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return err
}
