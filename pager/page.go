// Package pager implements the page layer around slotpage: it reads and
// writes fixed-size pages whose slot table is the bit-packed slot-offset
// codec, groups pages into page-table files produced by a memtable flush,
// and answers point lookups guarded by a per-table bloom filter so a
// decode is only ever attempted when the filter says the key might be
// present.
package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sirixdb/sirix-sub007/slotpage"
	"github.com/sirixdb/sirix-sub007/types"
)

// pageMagic identifies a serialized page and its format version.
const pageMagic = 0x53504730 // "SPG0"

// DefaultPayloadCapacity bounds how many record bytes a single page's
// payload arena holds, mirroring the teacher's 4KB SST data-block target.
const DefaultPayloadCapacity = 4 * 1024

// ErrPageFull is returned by Insert when a page has no empty slot left or
// not enough payload room for the new record.
var ErrPageFull = fmt.Errorf("pager: page is full")

// Page owns one slot-offset array over a payload arena of records.
type Page struct {
	ID              uint64
	PayloadCapacity int

	slots    slotpage.SlotOffsets
	payload  []byte
	used     int // number of populated slots
	minKey   []byte
	maxKey   []byte
}

// NewPage returns an empty page ready to accept records.
func NewPage(id uint64, payloadCapacity int) *Page {
	p := &Page{ID: id, PayloadCapacity: payloadCapacity}
	for i := range p.slots {
		p.slots[i] = -1
	}
	return p
}

func recordSize(key, value []byte) int {
	return 4 + 4 + 1 + len(key) + len(value)
}

// Insert appends a record to the page's payload arena and claims the
// first free slot for it. It returns ErrPageFull if the page has no free
// slot or not enough payload room.
func (p *Page) Insert(op types.Operation, key, value []byte) (int, error) {
	if p.used >= slotpage.SlotCount {
		return 0, ErrPageFull
	}

	size := recordSize(key, value)
	if len(p.payload)+size > p.PayloadCapacity {
		return 0, ErrPageFull
	}

	slot := -1
	for i, offset := range p.slots {
		if offset < 0 {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, ErrPageFull
	}

	offset := len(p.payload)

	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	hdr[8] = byte(op)

	p.payload = append(p.payload, hdr[:]...)
	p.payload = append(p.payload, key...)
	p.payload = append(p.payload, value...)

	p.slots[slot] = int32(offset)
	p.used++

	if p.minKey == nil || bytes.Compare(key, p.minKey) < 0 {
		p.minKey = append([]byte(nil), key...)
	}
	if p.maxKey == nil || bytes.Compare(key, p.maxKey) > 0 {
		p.maxKey = append([]byte(nil), key...)
	}

	return slot, nil
}

// Read returns the record stored at slot, or ok == false if the slot is
// empty.
func (p *Page) Read(slot int) (op types.Operation, key, value []byte, ok bool) {
	if slot < 0 || slot >= slotpage.SlotCount {
		return 0, nil, nil, false
	}
	offset := p.slots[slot]
	if offset < 0 {
		return 0, nil, nil, false
	}

	return p.decodeRecordAt(int(offset))
}

func (p *Page) decodeRecordAt(offset int) (types.Operation, []byte, []byte, bool) {
	if offset+9 > len(p.payload) {
		return 0, nil, nil, false
	}
	keyLen := int(binary.LittleEndian.Uint32(p.payload[offset : offset+4]))
	valLen := int(binary.LittleEndian.Uint32(p.payload[offset+4 : offset+8]))
	op := types.Operation(p.payload[offset+8])

	start := offset + 9
	if start+keyLen+valLen > len(p.payload) {
		return 0, nil, nil, false
	}

	key := p.payload[start : start+keyLen]
	value := p.payload[start+keyLen : start+keyLen+valLen]
	return op, key, value, true
}

// Delete clears slot. The record's bytes stay in the payload arena: the
// page never compacts its arena, and MarshalBinary writes the dead bytes
// out together with the live records.
func (p *Page) Delete(slot int) error {
	if slot < 0 || slot >= slotpage.SlotCount {
		return fmt.Errorf("pager: slot %d out of range", slot)
	}
	if p.slots[slot] >= 0 {
		p.used--
	}
	p.slots[slot] = -1
	return nil
}

// Find does a linear scan of populated slots for key. Pages carry no
// internal key ordering -- slots are addressable by index, not by key or
// by offset magnitude -- so a miss costs a full scan of the page. A Delete
// record for key is reported as found with a nil value.
func (p *Page) Find(key []byte) (value []byte, found bool) {
	for slot, offset := range p.slots {
		if offset < 0 {
			continue
		}
		op, k, v, ok := p.decodeRecordAt(int(offset))
		if ok && bytes.Equal(k, key) {
			_ = slot
			if op == types.Delete {
				return nil, true
			}
			return v, true
		}
	}
	return nil, false
}

// MarshalBinary serializes the page to the on-disk layout described in
// SPEC_FULL.md: a fixed header, the slotpage codec stream, the payload
// arena, and a trailing CRC32 over everything before it.
func (p *Page) MarshalBinary() ([]byte, error) {
	var out bytes.Buffer
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(&out, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(pageMagic)); err != nil {
		return nil, err
	}
	if err := binary.Write(mw, binary.LittleEndian, p.ID); err != nil {
		return nil, err
	}
	if err := binary.Write(mw, binary.LittleEndian, uint32(len(p.payload))); err != nil {
		return nil, err
	}
	if err := slotpage.Encode(mw, p.slots); err != nil {
		return nil, fmt.Errorf("pager: encode slot table: %w", err)
	}
	if _, err := mw.Write(p.payload); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, crc.Sum32()); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (p *Page) UnmarshalBinary(data []byte) error {
	if len(data) < 4+8+4+4 {
		return fmt.Errorf("pager: page blob too short: %d bytes", len(data))
	}

	body := data[:len(data)-4]
	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return fmt.Errorf("pager: page checksum mismatch")
	}

	r := bytes.NewReader(body)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != pageMagic {
		return fmt.Errorf("pager: bad page magic %#x", magic)
	}

	if err := binary.Read(r, binary.LittleEndian, &p.ID); err != nil {
		return err
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return err
	}

	slots, err := slotpage.Decode(r)
	if err != nil {
		return fmt.Errorf("pager: decode slot table: %w", err)
	}
	p.slots = slots

	p.payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, p.payload); err != nil {
		return fmt.Errorf("pager: read payload: %w", err)
	}

	p.used = 0
	p.minKey, p.maxKey = nil, nil
	for _, offset := range p.slots {
		if offset < 0 {
			continue
		}
		p.used++
		if _, k, _, ok := p.decodeRecordAt(int(offset)); ok {
			if p.minKey == nil || bytes.Compare(k, p.minKey) < 0 {
				p.minKey = append([]byte(nil), k...)
			}
			if p.maxKey == nil || bytes.Compare(k, p.maxKey) > 0 {
				p.maxKey = append([]byte(nil), k...)
			}
		}
	}

	return nil
}
