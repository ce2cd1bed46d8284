package slotpage

import "fmt"

// maskFor returns the bitmask covering the low bitWidth bits of a value.
// bitWidth == 32 is handled without computing 1<<32, which overflows
// uint32 arithmetic on some platforms.
func maskFor(bitWidth int) uint64 {
	if bitWidth == 32 {
		return 0xFFFFFFFF
	}
	return (uint64(1) << uint(bitWidth)) - 1
}

// Pack writes count values from values into dst, each using exactly
// bitWidth bits, little-endian within each byte: the first value's low bit
// is bit 0 of the first output byte. dst is reused when it has enough
// capacity; otherwise a new slice is allocated. Pack panics if bitWidth is
// outside 1..32 or if count is negative, and if any of the first count
// values do not fit in bitWidth bits -- these are programmer errors, not
// data errors.
func Pack(dst []byte, values []uint32, count, bitWidth int) []byte {
	if bitWidth < 1 || bitWidth > 32 {
		panic(fmt.Sprintf("slotpage: bit width %d out of range 1..32", bitWidth))
	}
	if count < 0 {
		panic(fmt.Sprintf("slotpage: negative count %d", count))
	}

	mask := maskFor(bitWidth)

	totalBytes := (count*bitWidth + 7) / 8
	var buf []byte
	if cap(dst) >= totalBytes {
		buf = dst[:totalBytes]
		for i := range buf {
			buf[i] = 0
		}
	} else {
		buf = make([]byte, totalBytes)
	}

	for i := 0; i < count; i++ {
		v := uint64(values[i])
		if v&^mask != 0 {
			panic(fmt.Sprintf("slotpage: value %d does not fit in %d bits", values[i], bitWidth))
		}

		p := i * bitWidth
		bytePos := p / 8
		bitOffset := uint(p % 8)
		acc := v << bitOffset

		bytesNeeded := (int(bitOffset) + bitWidth + 7) / 8
		for j := 0; j < bytesNeeded; j++ {
			buf[bytePos+j] |= byte(acc >> uint(8*j))
		}
	}

	return buf
}

// Unpack is the inverse of Pack: it reads exactly
// ceil(count*bitWidth/8) bytes from src and returns the count values that
// were packed. Unpack returns an error if src is shorter than that, which
// is a data error surfaced to the caller rather than a panic.
func Unpack(src []byte, count, bitWidth int) ([]uint32, error) {
	if bitWidth < 1 || bitWidth > 32 {
		panic(fmt.Sprintf("slotpage: bit width %d out of range 1..32", bitWidth))
	}
	if count < 0 {
		panic(fmt.Sprintf("slotpage: negative count %d", count))
	}

	mask := maskFor(bitWidth)
	totalBytes := (count*bitWidth + 7) / 8
	if len(src) < totalBytes {
		return nil, fmt.Errorf("slotpage: unpack needs %d bytes, got %d: %w", totalBytes, len(src), ErrTruncated)
	}

	values := make([]uint32, count)
	for i := 0; i < count; i++ {
		p := i * bitWidth
		bytePos := p / 8
		bitOffset := uint(p % 8)

		bytesNeeded := (int(bitOffset) + bitWidth + 7) / 8

		var word uint64
		for j := 0; j < bytesNeeded; j++ {
			idx := bytePos + j
			if idx < len(src) {
				word |= uint64(src[idx]) << uint(8*j)
			}
		}

		values[i] = uint32((word >> bitOffset) & mask)
	}

	return values, nil
}
