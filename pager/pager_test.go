package pager

import (
	"testing"

	"github.com/sirixdb/sirix-sub007/memtable"
)

func records(pairs ...[2]string) []memtable.Record[string, []byte] {
	out := make([]memtable.Record[string, []byte], len(pairs))
	for i, kv := range pairs {
		var v []byte
		if kv[1] != "" {
			v = []byte(kv[1])
		}
		out[i] = memtable.Record[string, []byte]{Key: kv[0], Value: v}
	}
	return out
}

func TestPagerFlushAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	tableID, err := p.FlushTable(records([2]string{"a", "1"}, [2]string{"b", "2"}, [2]string{"c", "3"}))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		v, found, err := p.Get(tableID, []byte(kv[0]))
		if err != nil {
			t.Fatalf("get %q: %v", kv[0], err)
		}
		if !found || string(v) != kv[1] {
			t.Fatalf("get %q: got %q found=%v", kv[0], v, found)
		}
	}

	if _, found, err := p.Get(tableID, []byte("missing")); err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}
}

func TestPagerGetMissesWithoutDecodingOnBloomFilterMiss(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	tableID, err := p.FlushTable(records([2]string{"present", "1"}))
	if err != nil {
		t.Fatal(err)
	}

	// A key the bloom filter is overwhelmingly likely to reject outright.
	v, found, err := p.Get(tableID, []byte("definitely-not-present-xyz"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected miss, got value %q", v)
	}
	if _, ok := p.cache.Get(pageCacheKey{tableID: tableID, pageIdx: 0}); ok {
		t.Fatal("expected bloom-filter miss to short-circuit before any page was decoded and cached")
	}
}

func TestPagerMultipleTablesMostRecentWins(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	t1, err := p.FlushTable(records([2]string{"k", "old"}))
	if err != nil {
		t.Fatal(err)
	}
	t2, err := p.FlushTable(records([2]string{"k", "new"}))
	if err != nil {
		t.Fatal(err)
	}

	v, found, err := p.Get(t2, []byte("k"))
	if err != nil || !found || string(v) != "new" {
		t.Fatalf("table %d: got %q found=%v err=%v", t2, v, found, err)
	}
	v, found, err = p.Get(t1, []byte("k"))
	if err != nil || !found || string(v) != "old" {
		t.Fatalf("table %d: got %q found=%v err=%v", t1, v, found, err)
	}
}

func TestPagerFlushTableWithTombstone(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	tableID, err := p.FlushTable(records([2]string{"k", ""}))
	if err != nil {
		t.Fatal(err)
	}

	v, found, err := p.Get(tableID, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected tombstone record to be found (as a nil value)")
	}
	if v != nil {
		t.Fatalf("expected nil value for tombstone, got %q", v)
	}
}

func TestPagerReopenDiscoversExistingTables(t *testing.T) {
	dir := t.TempDir()

	p1, err := New(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	tableID, err := p1.FlushTable(records([2]string{"a", "1"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := p1.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := New(dir, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	tables, err := p2.Tables()
	if err != nil {
		t.Fatal(err)
	}
	if len(tables) != 1 || tables[0] != tableID {
		t.Fatalf("expected to rediscover table %d, got %v", tableID, tables)
	}

	v, found, err := p2.Get(tableID, []byte("a"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("got %q found=%v err=%v", v, found, err)
	}

	newID, err := p2.FlushTable(records([2]string{"b", "2"}))
	if err != nil {
		t.Fatal(err)
	}
	if newID == tableID {
		t.Fatalf("expected a fresh table id distinct from %d, got %d", tableID, newID)
	}

	// The table written before the restart must still be intact: the
	// reopened pager's first flush must not have appended into it.
	v, found, err = p2.Get(tableID, []byte("a"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("original table corrupted after reopen: got %q found=%v err=%v", v, found, err)
	}
}

func TestPagerSpillsAcrossPagesWhenOneIsFull(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, 16, WithPayloadCapacity(64))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var pairs [][2]string
	for i := 0; i < 20; i++ {
		pairs = append(pairs, [2]string{string(rune('a' + i)), "v"})
	}

	tableID, err := p.FlushTable(records(pairs...))
	if err != nil {
		t.Fatal(err)
	}

	for _, kv := range pairs {
		v, found, err := p.Get(tableID, []byte(kv[0]))
		if err != nil || !found || string(v) != kv[1] {
			t.Fatalf("key %q: got %q found=%v err=%v", kv[0], v, found, err)
		}
	}
}
