package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/sirixdb/sirix-sub007/memtable"
	"github.com/sirixdb/sirix-sub007/segmentmanager"
	"github.com/sirixdb/sirix-sub007/types"
)

const tableFileExt = ".tbl"

const defaultMaxTableFileSize = 64 * 1024 * 1024

const bloomFalsePositiveRate = 0.01

// pageCacheKey identifies one decoded page within one table file, the unit
// the LRU page cache is keyed on.
type pageCacheKey struct {
	tableID int
	pageIdx int
}

// Pager owns the on-disk page-table files a memtable flush produces, plus
// the in-memory structures -- a decoded-page LRU and a per-table bloom
// filter -- that keep repeated lookups from re-reading and re-decoding
// pages that have already proven not to hold the key being searched for.
type Pager struct {
	mu sync.RWMutex

	dir string
	sm  segmentmanager.SegmentManager

	nextTableID    int
	firstFlushDone bool

	cache   *lru.Cache[pageCacheKey, *Page]
	filters map[int]*bloom.BloomFilter
	footers map[int]*tableFooter
	files   map[int]*os.File

	payloadCapacity int
}

// Option configures a Pager at construction time.
type Option func(*Pager)

// WithPayloadCapacity overrides the per-page payload arena size.
func WithPayloadCapacity(n int) Option {
	return func(p *Pager) { p.payloadCapacity = n }
}

// existingTableIDs scans dir for already-written table files, in ascending
// id order, using the same segment-NNNN naming segmentmanager uses.
func existingTableIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	pattern := regexp.MustCompile(`^segment-(\d+)` + regexp.QuoteMeta(tableFileExt) + `$`)
	var ids []int
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if len(m) != 2 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// New returns a Pager rooted at dir, creating it if necessary. cacheSize
// bounds the number of decoded pages held in memory across all tables.
//
// Table files are immutable once flushed, unlike the WAL's continuously
// appended segments, so on a restart against a directory that already
// holds tables, New forces one extra rotation: segmentmanager's own
// restart behavior is to reopen and keep appending to the latest segment,
// which here would corrupt that table's footer instead of starting a new
// one.
func New(dir string, cacheSize int, opts ...Option) (*Pager, error) {
	priorIDs, err := existingTableIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("pager: scan table directory: %w", err)
	}

	sm, err := segmentmanager.NewDiskSegmentManager(
		dir,
		segmentmanager.WithLogFileExt(tableFileExt),
		segmentmanager.WithMaxSegmentSize(defaultMaxTableFileSize),
	)
	if err != nil {
		return nil, fmt.Errorf("pager: open table directory: %w", err)
	}

	nextTableID := 1
	if len(priorIDs) > 0 {
		nextTableID = priorIDs[len(priorIDs)-1] + 1
		if err := sm.RotateSegment(); err != nil {
			return nil, fmt.Errorf("pager: rotate past existing tables: %w", err)
		}
	}

	cache, err := lru.New[pageCacheKey, *Page](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("pager: create page cache: %w", err)
	}

	p := &Pager{
		dir:             dir,
		sm:              sm,
		nextTableID:     nextTableID,
		cache:           cache,
		filters:         make(map[int]*bloom.BloomFilter),
		footers:         make(map[int]*tableFooter),
		files:           make(map[int]*os.File),
		payloadCapacity: DefaultPayloadCapacity,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Tables returns the ids of every table file flushed so far, oldest first.
func (p *Pager) Tables() ([]int, error) {
	ids, err := existingTableIDs(p.dir)
	if err != nil {
		return nil, err
	}

	// The segment manager creates its active file before anything is
	// flushed into it, so an empty file is not a flushed table.
	flushed := ids[:0]
	for _, id := range ids {
		info, err := os.Stat(p.tablePath(id))
		if err != nil {
			return nil, err
		}
		if info.Size() > 0 {
			flushed = append(flushed, id)
		}
	}
	return flushed, nil
}

func (p *Pager) tablePath(tableID int) string {
	return filepath.Join(p.dir, fmt.Sprintf("segment-%04d%s", tableID, tableFileExt))
}

// footer trails every table file: the byte offset of each page blob, the
// bloom filter, and the table's key range, all checksummed together. A
// fixed 8-byte pointer at the very end of the file gives its offset, the
// same fixed-footer-at-EOF shape SSTable-style formats use.
type tableFooter struct {
	pageOffsets []int64
	bloomOffset int64
	bloomSize   uint32
	minKey      []byte
	maxKey      []byte
}

func writeUint16Prefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUint16Prefixed(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeBloomFilter mirrors the teacher SST writer's bloom section: a
// hash-count/capacity header, the filter's own bit array, and a trailing
// CRC32 over both.
func writeBloomFilter(w io.Writer, filter *bloom.BloomFilter) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(filter.K())); err != nil {
		return err
	}
	if err := binary.Write(mw, binary.LittleEndian, uint32(filter.Cap())); err != nil {
		return err
	}
	if _, err := filter.WriteTo(mw); err != nil {
		return err
	}

	return binary.Write(w, binary.LittleEndian, crc.Sum32())
}

func readBloomFilter(data []byte) (*bloom.BloomFilter, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("pager: bloom section too short")
	}
	body := data[:len(data)-4]
	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, fmt.Errorf("pager: bloom filter checksum mismatch")
	}

	r := bytes.NewReader(body)
	var k, capacity uint32
	if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &capacity); err != nil {
		return nil, err
	}

	filter := bloom.New(uint(capacity), uint(k))
	if _, err := filter.ReadFrom(r); err != nil {
		return nil, err
	}
	return filter, nil
}

func (f *tableFooter) encode() ([]byte, error) {
	var out bytes.Buffer
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(&out, crc)

	if err := binary.Write(mw, binary.LittleEndian, uint32(len(f.pageOffsets))); err != nil {
		return nil, err
	}
	for _, off := range f.pageOffsets {
		if err := binary.Write(mw, binary.LittleEndian, off); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(mw, binary.LittleEndian, f.bloomOffset); err != nil {
		return nil, err
	}
	if err := binary.Write(mw, binary.LittleEndian, f.bloomSize); err != nil {
		return nil, err
	}
	if err := writeUint16Prefixed(mw, f.minKey); err != nil {
		return nil, err
	}
	if err := writeUint16Prefixed(mw, f.maxKey); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, crc.Sum32()); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

func decodeFooter(data []byte) (*tableFooter, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("pager: footer too short")
	}
	body := data[:len(data)-4]
	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return nil, fmt.Errorf("pager: footer checksum mismatch")
	}

	r := bytes.NewReader(body)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	f := &tableFooter{pageOffsets: make([]int64, count)}
	for i := range f.pageOffsets {
		if err := binary.Read(r, binary.LittleEndian, &f.pageOffsets[i]); err != nil {
			return nil, err
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &f.bloomOffset); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &f.bloomSize); err != nil {
		return nil, err
	}
	minKey, err := readUint16Prefixed(r)
	if err != nil {
		return nil, err
	}
	maxKey, err := readUint16Prefixed(r)
	if err != nil {
		return nil, err
	}
	f.minKey, f.maxKey = minKey, maxKey

	return f, nil
}

// FlushTable packs records (already in ascending key order, as produced by
// memtable.Flush) into one or more pages, writes them to a new table file
// alongside a bloom filter and footer, and returns the table's id.
func (p *Pager) FlushTable(records []memtable.Record[string, []byte]) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tableID := p.nextTableID
	if p.firstFlushDone {
		if err := p.sm.RotateSegment(); err != nil {
			return 0, fmt.Errorf("pager: rotate table file: %w", err)
		}
	}
	p.firstFlushDone = true
	p.nextTableID++

	var buf bytes.Buffer
	footer := &tableFooter{}

	filter := bloom.NewWithEstimates(uint(max(len(records), 1)), bloomFalsePositiveRate)

	pageID := 0
	page := NewPage(uint64(pageID), p.payloadCapacity)

	flushPage := func() error {
		if page.used == 0 {
			return nil
		}
		blob, err := page.MarshalBinary()
		if err != nil {
			return err
		}
		footer.pageOffsets = append(footer.pageOffsets, int64(buf.Len()))
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(blob))); err != nil {
			return err
		}
		if _, err := buf.Write(blob); err != nil {
			return err
		}
		return nil
	}

	for _, rec := range records {
		key := []byte(rec.Key)
		op := types.Put
		if rec.Value == nil {
			op = types.Delete
		}

		filter.Add(key)
		if footer.minKey == nil || bytes.Compare(key, footer.minKey) < 0 {
			footer.minKey = append([]byte(nil), key...)
		}
		if footer.maxKey == nil || bytes.Compare(key, footer.maxKey) > 0 {
			footer.maxKey = append([]byte(nil), key...)
		}

		if _, err := page.Insert(op, key, rec.Value); err != nil {
			if err := flushPage(); err != nil {
				return 0, err
			}
			pageID++
			page = NewPage(uint64(pageID), p.payloadCapacity)
			if _, err := page.Insert(op, key, rec.Value); err != nil {
				return 0, fmt.Errorf("pager: record for key %q does not fit in an empty page: %w", rec.Key, err)
			}
		}
	}
	if err := flushPage(); err != nil {
		return 0, err
	}

	footer.bloomOffset = int64(buf.Len())
	if err := writeBloomFilter(&buf, filter); err != nil {
		return 0, fmt.Errorf("pager: write bloom filter: %w", err)
	}
	footer.bloomSize = uint32(int64(buf.Len()) - footer.bloomOffset)

	footerStart := int64(buf.Len())
	footerBytes, err := footer.encode()
	if err != nil {
		return 0, err
	}
	buf.Write(footerBytes)

	if err := binary.Write(&buf, binary.LittleEndian, footerStart); err != nil {
		return 0, err
	}

	w, err := p.sm.Active(buf.Len())
	if err != nil {
		return 0, fmt.Errorf("pager: acquire table file: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("pager: write table file: %w", err)
	}
	if err := p.sm.Sync(); err != nil {
		return 0, fmt.Errorf("pager: sync table file: %w", err)
	}

	p.filters[tableID] = filter
	p.footers[tableID] = footer

	return tableID, nil
}

// fileFor returns the (cached) read handle for tableID's file.
func (p *Pager) fileFor(tableID int) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.files[tableID]; ok {
		return f, nil
	}
	f, err := os.Open(p.tablePath(tableID))
	if err != nil {
		return nil, fmt.Errorf("pager: open table %d: %w", tableID, err)
	}
	p.files[tableID] = f
	return f, nil
}

// loadFooterAndFilter reads just the fixed trailer pointer, the footer, and
// the bloom section from tableID's file -- never the page data -- and
// caches both for subsequent Get calls against the same (immutable) table.
func (p *Pager) loadFooterAndFilter(tableID int) (*tableFooter, *bloom.BloomFilter, error) {
	p.mu.RLock()
	footer, fok := p.footers[tableID]
	filter, bok := p.filters[tableID]
	p.mu.RUnlock()
	if fok && bok {
		return footer, filter, nil
	}

	f, err := p.fileFor(tableID)
	if err != nil {
		return nil, nil, err
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, nil, fmt.Errorf("pager: stat table %d: %w", tableID, err)
	}
	if size < 8 {
		return nil, nil, fmt.Errorf("pager: table %d too short", tableID)
	}

	var trailer [8]byte
	if _, err := f.ReadAt(trailer[:], size-8); err != nil {
		return nil, nil, fmt.Errorf("pager: read table %d trailer: %w", tableID, err)
	}
	footerStart := int64(binary.LittleEndian.Uint64(trailer[:]))
	if footerStart < 0 || footerStart > size-8 {
		return nil, nil, fmt.Errorf("pager: table %d has a corrupt footer pointer", tableID)
	}

	footerBytes := make([]byte, size-8-footerStart)
	if _, err := f.ReadAt(footerBytes, footerStart); err != nil {
		return nil, nil, fmt.Errorf("pager: read table %d footer: %w", tableID, err)
	}
	footer, err = decodeFooter(footerBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("pager: table %d: %w", tableID, err)
	}

	if footer.bloomOffset < 0 || footer.bloomOffset+int64(footer.bloomSize) > footerStart {
		return nil, nil, fmt.Errorf("pager: table %d has a corrupt bloom filter range", tableID)
	}
	bloomBytes := make([]byte, footer.bloomSize)
	if _, err := f.ReadAt(bloomBytes, footer.bloomOffset); err != nil {
		return nil, nil, fmt.Errorf("pager: read table %d bloom filter: %w", tableID, err)
	}
	filter, err = readBloomFilter(bloomBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("pager: table %d: decode bloom filter: %w", tableID, err)
	}

	p.mu.Lock()
	p.footers[tableID] = footer
	p.filters[tableID] = filter
	p.mu.Unlock()

	return footer, filter, nil
}

// Get looks up key within table tableID. A bloom-filter miss short-circuits
// before any page is read or decoded.
func (p *Pager) Get(tableID int, key []byte) ([]byte, bool, error) {
	footer, filter, err := p.loadFooterAndFilter(tableID)
	if err != nil {
		return nil, false, err
	}

	if !filter.Test(key) {
		return nil, false, nil
	}

	f, err := p.fileFor(tableID)
	if err != nil {
		return nil, false, err
	}

	for idx, offset := range footer.pageOffsets {
		cacheKey := pageCacheKey{tableID: tableID, pageIdx: idx}

		if cached, ok := p.cache.Get(cacheKey); ok {
			if v, found := cached.Find(key); found {
				return v, true, nil
			}
			continue
		}

		var lenBytes [4]byte
		if _, err := f.ReadAt(lenBytes[:], offset); err != nil {
			return nil, false, fmt.Errorf("pager: table %d page %d: %w", tableID, idx, err)
		}
		blobLen := binary.LittleEndian.Uint32(lenBytes[:])

		blob := make([]byte, blobLen)
		if _, err := f.ReadAt(blob, offset+4); err != nil {
			return nil, false, fmt.Errorf("pager: table %d page %d: %w", tableID, idx, err)
		}

		page := &Page{}
		if err := page.UnmarshalBinary(blob); err != nil {
			return nil, false, fmt.Errorf("pager: table %d page %d: %w", tableID, idx, err)
		}
		p.cache.Add(cacheKey, page)

		if v, found := page.Find(key); found {
			return v, true, nil
		}
	}

	return nil, false, nil
}

// Close releases the pager's open table-directory handle and every cached
// read-only table file handle.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pager: close table %d: %w", id, err)
		}
		delete(p.files, id)
	}

	if err := p.sm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
