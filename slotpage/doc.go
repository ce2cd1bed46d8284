// Package slotpage implements the bit-packed codec for a page's slot-offset
// array.
//
//	Overview
//
//	A page holds up to SlotCount slots. Each slot is either empty or holds a
//	non-negative byte offset into the page's payload region. A naive
//	4*SlotCount-byte offset table wastes most of a sparse or moderately full
//	page, so this codec (a) records which slots are occupied as a presence
//	bitmap and (b) bit-packs only the populated offsets at the minimum width
//	that covers the largest offset on the page.
//	---
//
//	Wire Format (byte-exact, versioned by the caller out of band)
//
//	   1 │+------------------------------------------------------------+
//	   2 │|                 PRESENCE BITMAP                             |
//	   3 │|  Word count   W int32, big-endian                (4 bytes)  |
//	   4 │|  Word[0..W)   uint64, little-endian          (8*W bytes)    |
//	   5 │|    bit b of word w <=> slot 64*w+b is populated             |
//	   6 │+------------------------------------------------------------+
//	   7 │|  BIT WIDTH (1 byte, unsigned, 1..32)     -- omitted if K==0 |
//	   8 │+------------------------------------------------------------+
//	   9 │|  PACKED OFFSETS  ceil(K*bitWidth/8) bytes -- omitted if K==0|
//	  10 │+------------------------------------------------------------+
//
//	K is the presence bitmap's cardinality. Populated offsets are packed in
//	ascending slot-index order; the codec never sorts or permutes them, so
//	slot offsets assigned out of order (an allocator reclaiming freed space)
//	round-trip exactly instead of being delta-encoded.
//
//	The word count is big-endian and the words themselves are little-endian;
//	this asymmetry is a pre-existing wire quirk callers must preserve, not a
//	bug.
package slotpage

// SlotCount is the fixed number of slots on a page. The wire format is
// byte-exact only between peers that agree on this constant out of band.
const SlotCount = 1024
