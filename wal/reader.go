package wal

import (
	"io"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirixdb/sirix-sub007/types"
)

var segmentFileNamePattern = regexp.MustCompile(`^segment-(\d+)\.log$`)

// Reader replays every entry in a WAL directory's rotated segment files, in
// the order they were written: oldest segment first, and within a segment,
// in append order.
type Reader struct {
	dir   string
	files []string
	idx   int
	cur   *os.File
}

// NewReader opens a Reader over every segment file in dir. An empty or
// nonexistent directory yields a Reader whose first Read returns io.EOF.
func NewReader(dir string) (*Reader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Reader{dir: dir}, nil
		}
		return nil, err
	}

	type seg struct {
		id   int
		name string
	}
	var segs []seg
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := segmentFileNamePattern.FindStringSubmatch(e.Name())
		if len(m) != 2 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		segs = append(segs, seg{id: id, name: e.Name()})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })

	r := &Reader{dir: dir}
	for _, s := range segs {
		r.files = append(r.files, s.name)
	}
	return r, nil
}

// Read returns the next entry across all segments, or io.EOF once every
// segment has been fully read.
func (r *Reader) Read() (*Log, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.files) {
				return nil, io.EOF
			}

			f, err := os.Open(filepath.Join(r.dir, r.files[r.idx]))
			if err != nil {
				return nil, err
			}
			r.cur = f
			r.idx++
		}

		l, err := Decode(r.cur)
		if err == io.EOF {
			_ = r.cur.Close()
			r.cur = nil
			continue
		}
		return l, err
	}
}

// Iter yields every (entry, error) pair in order, stopping at the first
// error (including a clean end-of-log io.EOF, which is not surfaced as a
// yielded error -- Iter simply stops).
func (r *Reader) Iter() iter.Seq2[Log, error] {
	return func(yield func(Log, error) bool) {
		for {
			l, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Log{}, err)
				return
			}
			if !yield(*l, nil) {
				return
			}
		}
	}
}

// Replay calls fn for every entry in the log, in order, stopping at the
// first error returned by fn or encountered reading the log itself.
func (r *Reader) Replay(fn func(op types.Operation, key, value []byte) error) error {
	for l, err := range r.Iter() {
		if err != nil {
			return err
		}
		if err := fn(l.Op(), l.Key(), l.Value()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) Close() error {
	if r.cur == nil {
		return nil
	}
	return r.cur.Close()
}
