package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

const bloomMagic = "BBXBLOOM"

// BloomFilter is a key membership filter with double hashing over one
// 64-bit xxhash.
type BloomFilter struct {
	bits *bitset.BitSet
	size uint64
	k    uint32
}

// NewBloomFilter sizes the filter for expectedItems at the given false
// positive rate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	size := calculateOptimalSize(expectedItems, falsePositiveRate)
	return &BloomFilter{
		bits: bitset.New(uint(size)),
		size: size,
		k:    calculateHashCount(expectedItems, size),
	}
}

func (bf *BloomFilter) Add(key string) {
	h1, h2 := bloomHashes(key)
	for i := uint64(0); i < uint64(bf.k); i++ {
		bf.bits.Set(uint((h1 + i*h2) % bf.size))
	}
}

// MayContain never returns false for an added key.
func (bf *BloomFilter) MayContain(key string) bool {
	h1, h2 := bloomHashes(key)
	for i := uint64(0); i < uint64(bf.k); i++ {
		if !bf.bits.Test(uint((h1 + i*h2) % bf.size)) {
			return false
		}
	}
	return true
}

func bloomHashes(key string) (uint64, uint64) {
	h := xxhash.Sum64String(key)
	h1 := h & math.MaxUint32
	h2 := h>>32 | 1
	return h1, h2
}

// WriteTo writes magic, size, hash count and the bit array.
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var header [len(bloomMagic) + 8 + 4]byte
	copy(header[:], bloomMagic)
	binary.LittleEndian.PutUint64(header[len(bloomMagic):], bf.size)
	binary.LittleEndian.PutUint32(header[len(bloomMagic)+8:], bf.k)

	n, err := bw.Write(header[:])
	if err != nil {
		return int64(n), err
	}
	m, err := bf.bits.WriteTo(bw)
	if err != nil {
		return int64(n) + m, err
	}
	return int64(n) + m, bw.Flush()
}

// ReadBloomFilter decodes a filter written by WriteTo.
func ReadBloomFilter(r io.Reader) (*BloomFilter, error) {
	var header [len(bloomMagic) + 8 + 4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read bloom header: %w", err)
	}
	if string(header[:len(bloomMagic)]) != bloomMagic {
		return nil, fmt.Errorf("bad bloom magic %q", header[:len(bloomMagic)])
	}

	bf := &BloomFilter{
		size: binary.LittleEndian.Uint64(header[len(bloomMagic):]),
		k:    binary.LittleEndian.Uint32(header[len(bloomMagic)+8:]),
		bits: &bitset.BitSet{},
	}
	if bf.size == 0 || bf.k == 0 {
		return nil, fmt.Errorf("invalid bloom parameters: size %d, hashes %d", bf.size, bf.k)
	}
	if _, err := bf.bits.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("read bloom bits: %w", err)
	}
	if uint64(bf.bits.Len()) < bf.size {
		return nil, fmt.Errorf("bloom bit array holds %d bits, want %d", bf.bits.Len(), bf.size)
	}
	return bf, nil
}

// m = -(n * ln(p)) / (ln(2)^2)
func calculateOptimalSize(expectedItems int, falsePositiveRate float64) uint64 {
	n := float64(max(expectedItems, 1))
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	return uint64(max(m, 64))
}

// k = (m/n) * ln(2)
func calculateHashCount(expectedItems int, size uint64) uint32 {
	k := math.Round(float64(size) / float64(max(expectedItems, 1)) * math.Ln2)
	return uint32(min(max(k, 1), 16))
}
