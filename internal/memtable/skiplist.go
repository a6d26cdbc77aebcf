// Package memtable implements the in-memory sorted buffer that feeds
// flushes.
//
// The SkipList allows lock-free reads; writes require external
// synchronization. Nodes are never deleted until the list is dropped.
package memtable

import (
	"bytes"
	"math/rand"
	"sync/atomic"
)

const (
	// DefaultMaxHeight is the default maximum height for skip list nodes.
	DefaultMaxHeight = 12

	// DefaultBranchingFactor is the default branching factor: on average
	// 1/branching of the nodes at a level are promoted to the next.
	DefaultBranchingFactor = 4
)

// Comparator compares two keys and returns negative, zero, or positive as
// a sorts before, equal to, or after b.
type Comparator func(a, b []byte) int

// BytewiseComparator is the default comparator using bytes.Compare.
func BytewiseComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

type skipNode struct {
	key []byte
	// next[i] is the next node at level i; atomic for lock-free reads.
	next []*atomic.Pointer[skipNode]
}

func newSkipNode(key []byte, height int) *skipNode {
	node := &skipNode{
		key:  key,
		next: make([]*atomic.Pointer[skipNode], height),
	}
	for i := range node.next {
		node.next[i] = &atomic.Pointer[skipNode]{}
	}
	return node
}

func (n *skipNode) getNext(level int) *skipNode {
	return n.next[level].Load()
}

func (n *skipNode) setNext(level int, node *skipNode) {
	n.next[level].Store(node)
}

// SkipList is a skip list with lock-free reads.
// Writes require external synchronization.
type SkipList struct {
	head      *skipNode
	maxHeight int32 // current max height, atomically accessed
	compare   Comparator
	rng       *rand.Rand

	kMaxHeight  int
	kScaledInvB uint32 // scaled inverse of the branching factor

	count int64
}

// NewSkipList creates a new skip list with the given comparator.
func NewSkipList(cmp Comparator) *SkipList {
	if cmp == nil {
		cmp = BytewiseComparator
	}
	return &SkipList{
		head:        newSkipNode(nil, DefaultMaxHeight),
		maxHeight:   1,
		compare:     cmp,
		rng:         rand.New(rand.NewSource(0xDEADBEEF)),
		kMaxHeight:  DefaultMaxHeight,
		kScaledInvB: uint32(0xFFFFFFFF) / DefaultBranchingFactor,
	}
}

// Insert adds a key to the skip list.
// REQUIRES: external synchronization; nothing equal to key is in the list.
func (sl *SkipList) Insert(key []byte) {
	prev := make([]*skipNode, sl.kMaxHeight)
	x := sl.findGreaterOrEqual(key, prev)
	if x != nil && sl.compare(key, x.key) == 0 {
		return // duplicate; the contract forbids this
	}

	height := sl.randomHeight()
	maxH := int(atomic.LoadInt32(&sl.maxHeight))
	if height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = sl.head
		}
		atomic.StoreInt32(&sl.maxHeight, int32(height))
	}

	node := newSkipNode(key, height)
	for i := range height {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	atomic.AddInt64(&sl.count, 1)
}

// Contains returns true if the key is in the skip list.
func (sl *SkipList) Contains(key []byte) bool {
	x := sl.findGreaterOrEqual(key, nil)
	return x != nil && sl.compare(key, x.key) == 0
}

// Count returns the number of entries in the skip list.
func (sl *SkipList) Count() int64 {
	return atomic.LoadInt64(&sl.count)
}

// findGreaterOrEqual finds the first node with key >= the given key and,
// when prev is not nil, fills in the predecessor at each level.
func (sl *SkipList) findGreaterOrEqual(key []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && sl.compare(key, next.key) > 0 {
			x = next
		} else {
			if prev != nil {
				prev[level] = x
			}
			if level == 0 {
				return next
			}
			level--
		}
	}
}

// findLessThan returns the last node with key < the given key, or nil.
func (sl *SkipList) findLessThan(key []byte) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && sl.compare(next.key, key) < 0 {
			x = next
		} else {
			if level == 0 {
				if x == sl.head {
					return nil
				}
				return x
			}
			level--
		}
	}
}

// findLast returns the last node in the list, or nil if empty.
func (sl *SkipList) findLast() *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil {
			x = next
		} else {
			if level == 0 {
				if x == sl.head {
					return nil
				}
				return x
			}
			level--
		}
	}
}

func (sl *SkipList) randomHeight() int {
	height := 1
	for height < sl.kMaxHeight && sl.rng.Uint32() < sl.kScaledInvB {
		height++
	}
	return height
}

// Iterator provides iteration over the skip list.
// It is not valid until a Seek method is called.
type Iterator struct {
	list *SkipList
	node *skipNode
}

// NewIterator creates a new iterator over the skip list.
func (sl *SkipList) NewIterator() *Iterator {
	return &Iterator{list: sl}
}

// Valid returns true if the iterator is positioned at a node.
func (it *Iterator) Valid() bool {
	return it.node != nil
}

// Key returns the key at the current position.
// REQUIRES: Valid()
func (it *Iterator) Key() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.key
}

// Next advances to the next position.
// REQUIRES: Valid()
func (it *Iterator) Next() {
	if it.node != nil {
		it.node = it.node.getNext(0)
	}
}

// Prev moves to the previous position.
// REQUIRES: Valid()
func (it *Iterator) Prev() {
	if it.node != nil {
		it.node = it.list.findLessThan(it.node.key)
	}
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	it.node = it.list.findGreaterOrEqual(target, nil)
}

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.node = it.list.head.getNext(0)
}

// SeekToLast positions the iterator at the last entry.
func (it *Iterator) SeekToLast() {
	it.node = it.list.findLast()
}
