package storage

import (
	"hash/fnv"
	"math"
)

// bloomFilter is a serializable bloom filter over user keys. The bit
// array travels inside the sstable blob so readers can skip whole
// files without fetching entries.
type bloomFilter struct {
	bits      []byte
	hashCount int
}

func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	// m = -n*ln(p)/ln(2)^2, k = m/n*ln(2)
	m := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := int(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return &bloomFilter{
		bits:      make([]byte, (m+7)/8),
		hashCount: k,
	}
}

func bloomFromBytes(bits []byte, hashCount int) *bloomFilter {
	return &bloomFilter{bits: bits, hashCount: hashCount}
}

func (bf *bloomFilter) hash(key []byte, salt byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	h.Write([]byte{salt})
	return h.Sum32()
}

func (bf *bloomFilter) Add(key []byte) {
	n := uint32(len(bf.bits) * 8)
	for i := 0; i < bf.hashCount; i++ {
		idx := bf.hash(key, byte(i)) % n
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

func (bf *bloomFilter) MayContain(key []byte) bool {
	n := uint32(len(bf.bits) * 8)
	if n == 0 {
		return true
	}
	for i := 0; i < bf.hashCount; i++ {
		idx := bf.hash(key, byte(i)) % n
		if bf.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}
