package memtable

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/aalhour/zonekv/internal/dbformat"
)

func TestAddGet(t *testing.T) {
	mt := NewMemTable(nil)
	mt.Add(1, dbformat.TypeValue, []byte("key1"), []byte("value1"))
	mt.Add(2, dbformat.TypeValue, []byte("key2"), []byte("value2"))

	v, found, deleted := mt.Get([]byte("key1"), 10)
	if !found || deleted || string(v) != "value1" {
		t.Errorf("Get(key1) = (%q, %v, %v)", v, found, deleted)
	}
	_, found, _ = mt.Get([]byte("missing"), 10)
	if found {
		t.Error("Get(missing) found an entry")
	}
}

func TestGetHonorsSnapshotSequence(t *testing.T) {
	mt := NewMemTable(nil)
	mt.Add(5, dbformat.TypeValue, []byte("k"), []byte("old"))
	mt.Add(9, dbformat.TypeValue, []byte("k"), []byte("new"))

	if v, found, _ := mt.Get([]byte("k"), 20); !found || string(v) != "new" {
		t.Errorf("Get at seq 20 = %q", v)
	}
	if v, found, _ := mt.Get([]byte("k"), 7); !found || string(v) != "old" {
		t.Errorf("Get at seq 7 = %q", v)
	}
	if _, found, _ := mt.Get([]byte("k"), 3); found {
		t.Error("Get at seq 3 found an invisible entry")
	}
}

func TestDeletionShadowsValue(t *testing.T) {
	mt := NewMemTable(nil)
	mt.Add(1, dbformat.TypeValue, []byte("k"), []byte("v"))
	mt.Add(2, dbformat.TypeDeletion, []byte("k"), nil)

	_, found, deleted := mt.Get([]byte("k"), 10)
	if !found || !deleted {
		t.Errorf("Get after delete = (found=%v, deleted=%v)", found, deleted)
	}
}

func TestIteratorKeyOrder(t *testing.T) {
	mt := NewMemTable(nil)
	// Insert out of order.
	for _, i := range []int{5, 1, 9, 3, 7, 0, 8, 2, 6, 4} {
		key := fmt.Appendf(nil, "key%02d", i)
		mt.Add(dbformat.SequenceNumber(i+1), dbformat.TypeValue, key, fmt.Appendf(nil, "val%d", i))
	}

	it := mt.NewIterator()
	var prev []byte
	count := 0
	icmp := dbformat.NewInternalKeyComparator(nil)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		if prev != nil && icmp.Compare(prev, key) >= 0 {
			t.Fatalf("keys out of order at %d", count)
		}
		prev = append(prev[:0], key...)
		count++
	}
	if count != 10 {
		t.Errorf("iterated %d entries, want 10", count)
	}
}

func TestIteratorExposesValuesAndTypes(t *testing.T) {
	mt := NewMemTable(nil)
	mt.Add(3, dbformat.TypeValue, []byte("a"), []byte("va"))
	mt.Add(4, dbformat.TypeDeletion, []byte("b"), nil)

	it := mt.NewIterator()
	it.SeekToFirst()
	if !it.Valid() {
		t.Fatal("iterator invalid at first")
	}
	if string(dbformat.ExtractUserKey(it.Key())) != "a" || string(it.Value()) != "va" {
		t.Errorf("first entry = (%q, %q)", it.Key(), it.Value())
	}
	if it.Sequence() != 3 || it.Type() != dbformat.TypeValue {
		t.Errorf("first entry meta = (%d, %d)", it.Sequence(), it.Type())
	}
	it.Next()
	if it.Type() != dbformat.TypeDeletion {
		t.Errorf("second entry type = %d", it.Type())
	}
	it.Next()
	if it.Valid() {
		t.Error("iterator valid past the end")
	}
}

func TestIteratorSeek(t *testing.T) {
	mt := NewMemTable(nil)
	for i := 0; i < 5; i++ {
		mt.Add(dbformat.SequenceNumber(i+1), dbformat.TypeValue,
			fmt.Appendf(nil, "k%d", i*2), []byte("v"))
	}
	it := mt.NewIterator()
	target := dbformat.MakeInternalKey([]byte("k3"), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
	it.Seek(target)
	if !it.Valid() {
		t.Fatal("Seek(k3) invalid")
	}
	if got := dbformat.ExtractUserKey(it.Key()); string(got) != "k4" {
		t.Errorf("Seek(k3) landed on %q, want k4", got)
	}
}

func TestCountAndMemoryUsage(t *testing.T) {
	mt := NewMemTable(nil)
	if !mt.Empty() {
		t.Error("new memtable not empty")
	}
	mt.Add(1, dbformat.TypeValue, []byte("k"), bytes.Repeat([]byte("v"), 100))
	if mt.Count() != 1 || mt.Empty() {
		t.Errorf("Count = %d", mt.Count())
	}
	if mt.ApproximateMemoryUsage() < 100 {
		t.Errorf("memory usage = %d", mt.ApproximateMemoryUsage())
	}
}

func TestSkipListBasics(t *testing.T) {
	sl := NewSkipList(nil)
	keys := []string{"delta", "alpha", "echo", "bravo", "charlie"}
	for _, k := range keys {
		sl.Insert([]byte(k))
	}
	if sl.Count() != 5 {
		t.Fatalf("Count = %d", sl.Count())
	}
	if !sl.Contains([]byte("bravo")) || sl.Contains([]byte("zulu")) {
		t.Error("Contains mismatch")
	}

	it := sl.NewIterator()
	it.SeekToFirst()
	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, w := range want {
		if !it.Valid() || string(it.Key()) != w {
			t.Fatalf("iteration got %q, want %q", it.Key(), w)
		}
		it.Next()
	}
	it.SeekToLast()
	if string(it.Key()) != "echo" {
		t.Errorf("SeekToLast = %q", it.Key())
	}
	it.Prev()
	if string(it.Key()) != "delta" {
		t.Errorf("Prev = %q", it.Key())
	}
	it.Seek([]byte("c"))
	if string(it.Key()) != "charlie" {
		t.Errorf("Seek(c) = %q", it.Key())
	}
}
