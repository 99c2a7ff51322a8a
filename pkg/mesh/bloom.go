package mesh

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// BloomFilter is the approximate membership gate in front of the exact
// dedup table. False positives fall through to the exact lookup; false
// negatives cannot occur for items added since the last reset.
type BloomFilter struct {
	bits   *bitset.BitSet
	m      uint
	k      uint
	adds   uint64
}

// NewBloomFilter sizes the filter for expectedItems at the target
// false-positive rate.
func NewBloomFilter(expectedItems int, fpRate float64) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	n := float64(expectedItems)
	m := uint(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	k := uint(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &BloomFilter{
		bits: bitset.New(m),
		m:    m,
		k:    k,
	}
}

// indexes derives k bit positions by double hashing: position_i = h1 + i*h2.
func (bf *BloomFilter) indexes(data []byte) []uint {
	h1 := binary.BigEndian.Uint64(data[:8])
	h2 := binary.BigEndian.Uint64(data[8:16])
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}

	idx := make([]uint, bf.k)
	for i := uint(0); i < bf.k; i++ {
		idx[i] = uint((h1 + uint64(i)*h2) % uint64(bf.m))
	}
	return idx
}

// Add inserts a fingerprint. The fingerprint must be at least 16 bytes.
func (bf *BloomFilter) Add(fp []byte) {
	for _, i := range bf.indexes(fp) {
		bf.bits.Set(i)
	}
	bf.adds++
}

// MayContain reports whether fp was possibly added.
func (bf *BloomFilter) MayContain(fp []byte) bool {
	for _, i := range bf.indexes(fp) {
		if !bf.bits.Test(i) {
			return false
		}
	}
	return true
}

// Reset clears all bits so the filter can be rebuilt from live entries.
func (bf *BloomFilter) Reset() {
	bf.bits.ClearAll()
	bf.adds = 0
}

func (bf *BloomFilter) ApproxItems() uint64 {
	return bf.adds
}
