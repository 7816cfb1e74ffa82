package memtable

import (
	"iter"
	"math/rand"

	"github.com/flashdb/flashdb/kv"
)

const maxLevel = 32

// value is what the skip list stores per key: the record's kind/value plus
// the write sequence that ordered it, so a later merge can rank it against
// entries from other sources.
type value struct {
	kind kv.Kind
	val  uint32
	seq  uint64
}

type node struct {
	key     uint32
	val     value
	forward []*node
}

func newNode(key uint32, val value, levels int) *node {
	return &node{key: key, val: val, forward: make([]*node, levels+1)}
}

// skipList is an ordered uint32-keyed map with O(log n) expected Put/Get/
// Delete, adapted from the teacher's generic skip list: same randomized
// leveling scheme, specialized to this engine's fixed key/value shape.
type skipList struct {
	head   *node
	levels int
	size   int
}

func newSkipList() *skipList {
	return &skipList{head: newNode(0, value{}, 0), levels: -1}
}

func (sl *skipList) get(key uint32) (value, bool) {
	curr := sl.head
	for level := sl.levels; level >= 0; level-- {
		for curr.forward[level] != nil && curr.forward[level].key < key {
			curr = curr.forward[level]
		}
	}
	if curr.forward[0] != nil && curr.forward[0].key == key {
		return curr.forward[0].val, true
	}
	return value{}, false
}

func randomLevel() int {
	level := 0
	for rand.Int31()&1 == 0 && level < maxLevel {
		level++
	}
	return level
}

func (sl *skipList) adjustLevels(level int) {
	temp := sl.head.forward
	sl.head = newNode(0, value{}, level)
	sl.levels = level
	copy(sl.head.forward, temp)
}

// put inserts or overwrites key's value. It reports whether this was a new
// key (true) or an overwrite of an existing one (false), so the caller can
// keep an accurate size accounting.
func (sl *skipList) put(key uint32, val value) (isNew bool) {
	newLevel := randomLevel()
	if newLevel > sl.levels {
		sl.adjustLevels(newLevel)
	}

	updates := make([]*node, sl.levels+1)
	x := sl.head
	for level := sl.levels; level >= 0; level-- {
		for x.forward[level] != nil && x.forward[level].key < key {
			x = x.forward[level]
		}
		updates[level] = x
	}

	if x.forward[0] != nil && x.forward[0].key == key {
		x.forward[0].val = val
		return false
	}

	newNode := newNode(key, val, newLevel)
	for level := 0; level <= newLevel; level++ {
		newNode.forward[level] = updates[level].forward[level]
		updates[level].forward[level] = newNode
	}
	sl.size++
	return true
}

// iterFrom returns an ascending iterator starting at the first key >= lo.
func (sl *skipList) iterFrom(lo uint32) iter.Seq2[uint32, value] {
	return func(yield func(uint32, value) bool) {
		curr := sl.head
		for level := sl.levels; level >= 0; level-- {
			for curr.forward[level] != nil && curr.forward[level].key < lo {
				curr = curr.forward[level]
			}
		}
		n := curr.forward[0]
		for n != nil {
			if !yield(n.key, n.val) {
				return
			}
			n = n.forward[0]
		}
	}
}

func (sl *skipList) all() iter.Seq2[uint32, value] {
	return sl.iterFrom(0)
}
