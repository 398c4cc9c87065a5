package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// MaxKeys is the pessimistic split threshold: a node is split once it
// holds more than MaxKeys entries (SPEC_FULL.md §4.4).
const MaxKeys = 32

// cowNodeKind tags a CoW node as Leaf or Internal.
type cowNodeKind byte

const (
	cowLeaf cowNodeKind = iota
	cowInternal
)

// cowNode is the in-memory form of one CoWTree page: either a Leaf
// holding sorted (key, value) pairs, or an Internal node holding sorted
// keys and child page ids (len(children) == len(keys)+1).
type cowNode struct {
	kind     cowNodeKind
	keys     [][]byte
	values   [][]byte // leaf only
	children []uint64 // internal only
}

func (n *cowNode) encode() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(n.kind))
	buf = appendBytesSlice(buf, n.keys)
	if n.kind == cowLeaf {
		buf = appendBytesSlice(buf, n.values)
	} else {
		var tmp [8]byte
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(n.children)))
		buf = append(buf, tmp[:4]...)
		for _, c := range n.children {
			binary.LittleEndian.PutUint64(tmp[:], c)
			buf = append(buf, tmp[:]...)
		}
	}
	return buf
}

func decodeCowNode(data []byte) (*cowNode, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("storage: cowtree: empty node")
	}
	n := &cowNode{kind: cowNodeKind(data[0])}
	off := 1
	keys, read, err := readBytesSlice(data[off:])
	if err != nil {
		return nil, err
	}
	n.keys = keys
	off += read

	if n.kind == cowLeaf {
		values, read, err := readBytesSlice(data[off:])
		if err != nil {
			return nil, err
		}
		n.values = values
	} else {
		if len(data) < off+4 {
			return nil, fmt.Errorf("storage: cowtree: truncated children count")
		}
		count := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		children := make([]uint64, count)
		for i := 0; i < count; i++ {
			if len(data) < off+8 {
				return nil, fmt.Errorf("storage: cowtree: truncated children")
			}
			children[i] = binary.LittleEndian.Uint64(data[off:])
			off += 8
		}
		n.children = children
	}
	return n, nil
}

func appendBytesSlice(buf []byte, items [][]byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(items)))
	buf = append(buf, tmp[:]...)
	for _, it := range items {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(it)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, it...)
	}
	return buf
}

func readBytesSlice(data []byte) ([][]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("storage: cowtree: truncated slice count")
	}
	count := int(binary.LittleEndian.Uint32(data))
	off := 4
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		if len(data) < off+4 {
			return nil, 0, fmt.Errorf("storage: cowtree: truncated item length")
		}
		l := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if len(data) < off+l {
			return nil, 0, fmt.Errorf("storage: cowtree: truncated item body")
		}
		out[i] = append([]byte(nil), data[off:off+l]...)
		off += l
	}
	return out, off, nil
}

// CoWTree is a copy-on-write B-tree over a PageStore: every mutation
// allocates fresh pages and returns a new root; the previous root remains
// readable until the caller publishes the new one via a manifest flip.
type CoWTree struct {
	ps    *PageStore
	alloc *BlockAllocator
	log   zerolog.Logger
}

// NewCoWTree wraps a page store and allocator.
func NewCoWTree(ps *PageStore, alloc *BlockAllocator, log zerolog.Logger) *CoWTree {
	return &CoWTree{ps: ps, alloc: alloc, log: log.With().Str("component", "cowtree").Logger()}
}

func (t *CoWTree) readNode(pageID uint64) (*cowNode, error) {
	if pageID == 0 {
		return &cowNode{kind: cowLeaf}, nil
	}
	page, err := t.ps.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	return decodeCowNode(page.Data)
}

func (t *CoWTree) writeNode(n *cowNode) (uint64, error) {
	id := t.alloc.Alloc()
	page := NewPage(id, PageBTree, n.encode())
	if err := t.ps.WritePage(id, page); err != nil {
		return 0, err
	}
	return id, nil
}

// Get walks from root to leaf, binary-searching at each node.
func (t *CoWTree) Get(rootPageID uint64, key []byte) ([]byte, bool, error) {
	node, err := t.readNode(rootPageID)
	if err != nil {
		return nil, false, err
	}
	for node.kind == cowInternal {
		idx := searchChildIndex(node.keys, key)
		childID := node.children[idx]
		node, err = t.readNode(childID)
		if err != nil {
			return nil, false, err
		}
	}
	i := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], key) >= 0 })
	if i < len(node.keys) && bytes.Equal(node.keys[i], key) {
		return node.values[i], true, nil
	}
	return nil, false, nil
}

// searchChildIndex finds which child to descend into: the last child
// whose separator key is <= target descends right on equality, per
// SPEC_FULL.md §4.4 ("on equality go right").
func searchChildIndex(keys [][]byte, target []byte) int {
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], target) > 0 })
	return i
}

// Insert inserts or replaces key→value starting from rootPageID and
// returns the new root page id. The old tree remains readable until the
// caller publishes the new root via a manifest flip.
func (t *CoWTree) Insert(rootPageID uint64, key, value []byte) (uint64, error) {
	newRoot, promotedKey, promotedRight, err := t.insertRec(rootPageID, key, value)
	if err != nil {
		return 0, err
	}
	if promotedKey == nil {
		return newRoot, nil
	}
	// Root split: build a fresh internal root with two children.
	root := &cowNode{kind: cowInternal, keys: [][]byte{promotedKey}, children: []uint64{newRoot, promotedRight}}
	return t.writeNode(root)
}

// insertRec returns (newPageID, promotedKey, promotedRightPageID). If the
// node didn't split, promotedKey is nil.
func (t *CoWTree) insertRec(pageID uint64, key, value []byte) (uint64, []byte, uint64, error) {
	node, err := t.readNode(pageID)
	if err != nil {
		return 0, nil, 0, err
	}

	if node.kind == cowLeaf {
		i := sort.Search(len(node.keys), func(i int) bool { return bytes.Compare(node.keys[i], key) >= 0 })
		if i < len(node.keys) && bytes.Equal(node.keys[i], key) {
			node.values[i] = value
		} else {
			node.keys = insertAt(node.keys, i, key)
			node.values = insertBytesAt(node.values, i, value)
		}
		if len(node.keys) <= MaxKeys {
			newID, err := t.writeNode(node)
			return newID, nil, 0, err
		}
		return t.splitLeaf(node)
	}

	idx := searchChildIndex(node.keys, key)
	childID := node.children[idx]
	newChildID, promoted, promotedRight, err := t.insertRec(childID, key, value)
	if err != nil {
		return 0, nil, 0, err
	}
	node.children[idx] = newChildID
	if promoted == nil {
		newID, err := t.writeNode(node)
		return newID, nil, 0, err
	}

	node.keys = insertAt(node.keys, idx, promoted)
	node.children = insertUint64At(node.children, idx+1, promotedRight)
	if len(node.keys) <= MaxKeys {
		newID, err := t.writeNode(node)
		return newID, nil, 0, err
	}
	return t.splitInternal(node)
}

func (t *CoWTree) splitLeaf(node *cowNode) (uint64, []byte, uint64, error) {
	mid := len(node.keys) / 2
	left := &cowNode{kind: cowLeaf, keys: node.keys[:mid], values: node.values[:mid]}
	right := &cowNode{kind: cowLeaf, keys: node.keys[mid:], values: node.values[mid:]}

	leftID, err := t.writeNode(left)
	if err != nil {
		return 0, nil, 0, err
	}
	rightID, err := t.writeNode(right)
	if err != nil {
		return 0, nil, 0, err
	}
	return leftID, right.keys[0], rightID, nil
}

func (t *CoWTree) splitInternal(node *cowNode) (uint64, []byte, uint64, error) {
	mid := len(node.keys) / 2
	promoted := node.keys[mid]

	left := &cowNode{kind: cowInternal, keys: node.keys[:mid], children: node.children[:mid+1]}
	right := &cowNode{kind: cowInternal, keys: node.keys[mid+1:], children: node.children[mid+1:]}

	leftID, err := t.writeNode(left)
	if err != nil {
		return 0, nil, 0, err
	}
	rightID, err := t.writeNode(right)
	if err != nil {
		return 0, nil, 0, err
	}
	return leftID, promoted, rightID, nil
}

func insertAt(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertBytesAt(s [][]byte, i int, v []byte) [][]byte {
	return insertAt(s, i, v)
}

func insertUint64At(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
