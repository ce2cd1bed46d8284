// Package wal provides a durable, crash-recoverable write-ahead log of
// Put/Delete operations. Every entry is checksummed independently so a
// torn write at the end of the log (the only place a crash can land) is
// detected and treated as the end of the log, not as data corruption.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sirixdb/sirix-sub007/types"
)

const (
	invalidCRC   = uint32(0xFFFFFFFF)
	MaxEntrySize = 16 << 20 // 16MB
)

// ErrCorruptWAL is returned when an entry's checksum does not match its
// payload, or its declared length is nonsensical.
var ErrCorruptWAL = errors.New("wal: corrupt entry")

// Log is a single WAL entry.
type Log struct {
	op    types.Operation
	key   []byte
	value []byte
	crc   uint32
}

// NewLog builds an entry ready to be appended with Encode.
func NewLog(op types.Operation, key, value []byte) *Log {
	return &Log{op: op, key: key, value: value}
}

func (l *Log) Op() types.Operation { return l.op }
func (l *Log) Key() []byte         { return l.key }
func (l *Log) Value() []byte       { return l.value }

// Size returns the number of bytes Encode writes for this entry.
func (l *Log) Size() uint32 {
	return 4 + 4 + 1 + 4 + uint32(len(l.key)) + 4 + uint32(len(l.value))
}

func (l *Log) String() string {
	return fmt.Sprintf("[op: %s] [key: %q] [value: %q]", l.op, l.key, l.value)
}

// Encode writes the entry to w in the format:
//
//	| CRC (4) | TOTAL_LEN (4) | OP (1) | KEY_LEN (4) | KEY | VAL_LEN (4) | VALUE |
//
// where CRC = crc32.IEEE(TOTAL_LEN || OP || KEY_LEN || KEY || VAL_LEN || VALUE).
// w must additionally implement io.Seeker: the CRC placeholder is written
// first so a single pass over the payload can compute the checksum, then
// patched in place once the checksum is known.
func (l *Log) Encode(w io.Writer) error {
	seeker, ok := w.(io.Seeker)
	if !ok {
		return errors.New("wal: writer must be seekable")
	}

	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	keyLen := uint32(len(l.key))
	valLen := uint32(len(l.value))

	payloadLen := 1 + 4 + keyLen + 4 + valLen
	totalLen := 4 + payloadLen

	if totalLen > MaxEntrySize {
		return fmt.Errorf("wal: entry of %d bytes exceeds max entry size", totalLen)
	}

	if err := binary.Write(w, binary.LittleEndian, invalidCRC); err != nil {
		return err
	}

	if err := binary.Write(mw, binary.LittleEndian, totalLen); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.LittleEndian, byte(l.op)); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.LittleEndian, keyLen); err != nil {
		return err
	}
	if _, err := mw.Write(l.key); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.LittleEndian, valLen); err != nil {
		return err
	}
	if _, err := mw.Write(l.value); err != nil {
		return err
	}

	pos, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if _, err := seeker.Seek(pos-int64(totalLen)-4, io.SeekStart); err != nil {
		return err
	}

	l.crc = crc.Sum32()
	if err := binary.Write(w, binary.LittleEndian, l.crc); err != nil {
		return err
	}

	_, err = seeker.Seek(pos, io.SeekStart)
	return err
}

func cleanEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}

// Decode reads one entry written by Encode. It returns io.EOF both when the
// stream is cleanly exhausted and when a CRC placeholder (invalidCRC) is
// encountered -- a sign the writer died mid-entry and never patched the
// checksum in.
func Decode(r io.Reader) (*Log, error) {
	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return nil, cleanEOF(err)
	}

	if storedCRC == invalidCRC {
		return nil, io.EOF
	}

	var totalLen uint32
	if err := binary.Read(r, binary.LittleEndian, &totalLen); err != nil {
		return nil, cleanEOF(err)
	}

	if totalLen > MaxEntrySize || totalLen < 5 {
		return nil, ErrCorruptWAL
	}

	payload := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(payload[0:4], totalLen)

	if _, err := io.ReadFull(r, payload[4:]); err != nil {
		return nil, cleanEOF(err)
	}

	if crc32.ChecksumIEEE(payload) != storedCRC {
		return nil, ErrCorruptWAL
	}

	pos := 4

	l := &Log{crc: storedCRC}
	l.op = types.Operation(payload[pos])
	pos++

	keyLen := binary.LittleEndian.Uint32(payload[pos:])
	pos += 4

	if keyLen > uint32(len(payload))-uint32(pos) {
		return nil, ErrCorruptWAL
	}

	l.key = make([]byte, keyLen)
	copy(l.key, payload[pos:pos+int(keyLen)])
	pos += int(keyLen)

	valLen := binary.LittleEndian.Uint32(payload[pos:])
	pos += 4

	if valLen > uint32(len(payload))-uint32(pos) {
		return nil, ErrCorruptWAL
	}

	l.value = make([]byte, valLen)
	copy(l.value, payload[pos:pos+int(valLen)])

	return l, nil
}
