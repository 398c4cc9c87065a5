package storage

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// BloomFilter supports fast negative membership tests over segment keys,
// grounded on intellect4all-storage-engines/lsm/bloom.go (fnv double
// hashing, standard optimal-bits/optimal-hashes formulas).
type BloomFilter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// NewBloomFilter sizes a filter for expectedKeys entries at the given
// target false-positive rate.
func NewBloomFilter(expectedKeys int, falsePositiveRate float64) *BloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedKeys)
	numBits := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 8 {
		numBits = 8
	}
	numHashes := uint32(math.Round(float64(numBits) / n * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	return &BloomFilter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

func (b *BloomFilter) hash1(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

func (b *BloomFilter) hash2(key []byte) uint64 {
	h := fnv.New64()
	h.Write(key)
	return h.Sum64()
}

func (b *BloomFilter) getHashes(key []byte) []uint64 {
	h1 := b.hash1(key)
	h2 := b.hash2(key)
	out := make([]uint64, b.numHashes)
	for i := uint32(0); i < b.numHashes; i++ {
		out[i] = (h1 + uint64(i)*h2) % b.numBits
	}
	return out
}

// Add records key's presence.
func (b *BloomFilter) Add(key []byte) {
	for _, idx := range b.getHashes(key) {
		b.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MayContain reports whether key might be present (false positives
// possible; false negatives never).
func (b *BloomFilter) MayContain(key []byte) bool {
	for _, idx := range b.getHashes(key) {
		if b.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter as [numBits:8][numHashes:4][bits...].
func (b *BloomFilter) Encode() []byte {
	buf := make([]byte, 12+len(b.bits))
	binary.LittleEndian.PutUint64(buf[0:], b.numBits)
	binary.LittleEndian.PutUint32(buf[8:], b.numHashes)
	copy(buf[12:], b.bits)
	return buf
}

// DecodeBloomFilter parses a filter produced by Encode.
func DecodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("storage: bloom filter: truncated header")
	}
	numBits := binary.LittleEndian.Uint64(data[0:])
	numHashes := binary.LittleEndian.Uint32(data[8:])
	bits := append([]byte(nil), data[12:]...)
	return &BloomFilter{bits: bits, numBits: numBits, numHashes: numHashes}, nil
}

// SegmentFooter carries a segment's key range, fence keys, and a Bloom
// filter for fast negative membership (SPEC_FULL.md §3).
type SegmentFooter struct {
	MinKey     []byte
	MaxKey     []byte
	FenceKeys  [][]byte
	BloomBytes []byte
}

// NewSegmentFooter builds a footer over the given sorted keys.
func NewSegmentFooter(keys [][]byte, fenceEvery int) *SegmentFooter {
	if len(keys) == 0 {
		return &SegmentFooter{BloomBytes: NewBloomFilter(1, 0.01).Encode()}
	}
	bf := NewBloomFilter(len(keys), 0.01)
	var fence [][]byte
	if fenceEvery <= 0 {
		fenceEvery = 1
	}
	for i, k := range keys {
		bf.Add(k)
		if i%fenceEvery == 0 {
			fence = append(fence, k)
		}
	}
	return &SegmentFooter{
		MinKey:     keys[0],
		MaxKey:     keys[len(keys)-1],
		FenceKeys:  fence,
		BloomBytes: bf.Encode(),
	}
}

// MightContain consults the embedded Bloom filter.
func (f *SegmentFooter) MightContain(key []byte) (bool, error) {
	bf, err := DecodeBloomFilter(f.BloomBytes)
	if err != nil {
		return true, err // fail open: treat as "might contain" on decode error
	}
	return bf.MayContain(key), nil
}

// Encode serializes the footer for appending after a segment's pages.
func (f *SegmentFooter) Encode() []byte {
	buf := make([]byte, 0, 128)
	buf = appendLenBytes(buf, f.MinKey)
	buf = appendLenBytes(buf, f.MaxKey)

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(f.FenceKeys)))
	buf = append(buf, tmp[:]...)
	for _, k := range f.FenceKeys {
		buf = appendLenBytes(buf, k)
	}
	buf = appendLenBytes(buf, f.BloomBytes)
	return buf
}

func appendLenBytes(buf []byte, b []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	return append(buf, b...)
}

func readLenBytes(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("storage: segment footer: truncated length")
	}
	l := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+l {
		return nil, 0, fmt.Errorf("storage: segment footer: truncated body")
	}
	return append([]byte(nil), data[4:4+l]...), 4 + l, nil
}

// DecodeSegmentFooter parses a footer produced by Encode.
func DecodeSegmentFooter(data []byte) (*SegmentFooter, error) {
	f := &SegmentFooter{}
	off := 0
	minKey, n, err := readLenBytes(data[off:])
	if err != nil {
		return nil, err
	}
	f.MinKey = minKey
	off += n

	maxKey, n, err := readLenBytes(data[off:])
	if err != nil {
		return nil, err
	}
	f.MaxKey = maxKey
	off += n

	if len(data) < off+4 {
		return nil, fmt.Errorf("storage: segment footer: truncated fence count")
	}
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	for i := 0; i < count; i++ {
		k, n, err := readLenBytes(data[off:])
		if err != nil {
			return nil, err
		}
		f.FenceKeys = append(f.FenceKeys, k)
		off += n
	}

	bloom, _, err := readLenBytes(data[off:])
	if err != nil {
		return nil, err
	}
	f.BloomBytes = bloom
	return f, nil
}
