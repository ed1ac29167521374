package sstable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"bboxkv/pkg/spatial"
	"bboxkv/pkg/types"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

type FacadeOptions struct {
	Strategies *spatial.Registry
	Cache      *BlockCache
}

// Facade is the read-only handle over one finished segment.
type Facade struct {
	table  types.TableName
	number uint64
	paths  map[string]string

	meta   Metadata
	box    types.Hyperrectangle
	blocks []blockHandle
	bloom  *BloomFilter
	index  spatial.Index

	file   *os.File
	cache  *BlockCache
	closed atomic.Bool
}

// OpenFacade loads the auxiliary files of segment n and checks that they
// agree with each other.
func OpenFacade(dir string, table types.TableName, n uint64, opts FacadeOptions) (_ *Facade, err error) {
	f := &Facade{
		table:  table,
		number: n,
		paths:  SegmentPaths(dir, table, n),
		cache:  opts.Cache,
	}

	metaPath := f.paths[ExtMetadata]
	if f.meta, err = readMetadata(metaPath); err != nil {
		return nil, err
	}
	if f.meta.TableNumber != n || f.meta.Table != string(table) {
		return nil, formatErr(metaPath, fmt.Sprintf("metadata belongs to %s/%d", f.meta.Table, f.meta.TableNumber), nil)
	}
	if f.box, err = f.meta.Box(); err != nil {
		return nil, formatErr(metaPath, "extent", err)
	}

	if f.blocks, err = readIndex(f.paths[ExtIndex]); err != nil {
		return nil, err
	}
	if len(f.blocks) != f.meta.Blocks {
		return nil, formatErr(f.paths[ExtIndex], fmt.Sprintf("%d blocks, metadata says %d", len(f.blocks), f.meta.Blocks), nil)
	}

	if f.bloom, err = loadBloom(f.paths[ExtBloom]); err != nil {
		return nil, err
	}

	if f.index, err = loadSpatialIndex(f.paths[ExtSpatial], f.meta.SpatialStrategy, opts.Strategies); err != nil {
		return nil, err
	}
	if f.index.Len() != f.meta.Records() {
		return nil, formatErr(f.paths[ExtSpatial], fmt.Sprintf("%d entries, metadata says %d", f.index.Len(), f.meta.Records()), nil)
	}

	if f.file, err = openData(f.paths[ExtData], f.meta.DataBytes); err != nil {
		return nil, err
	}

	return f, nil
}

func loadBloom(path string) (*BloomFilter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bf, err := ReadBloomFilter(file)
	if err != nil {
		return nil, formatErr(path, "bloom filter", err)
	}
	return bf, nil
}

func loadSpatialIndex(path, strategyName string, strategies *spatial.Registry) (spatial.Index, error) {
	if strategies == nil {
		return nil, errors.New("no spatial index strategies configured")
	}
	strategy, err := strategies.Get(strategyName)
	if err != nil {
		return nil, formatErr(path, "spatial index", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	idx, err := strategy.Read(file)
	if err != nil {
		return nil, formatErr(path, "spatial index", err)
	}
	return idx, nil
}

func openData(path string, size int64) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	header := make([]byte, len(dataMagic))
	if _, err := io.ReadFull(file, header); err != nil || string(header) != dataMagic {
		file.Close()
		return nil, formatErr(path, "bad data header", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size() != size {
		file.Close()
		return nil, formatErr(path, fmt.Sprintf("size %d, metadata says %d", info.Size(), size), nil)
	}
	return file, nil
}

func (f *Facade) Table() types.TableName {
	return f.table
}

func (f *Facade) TableNumber() uint64 {
	return f.number
}

func (f *Facade) Metadata() Metadata {
	return f.meta
}

// Box is the extent of every entry in the segment.
func (f *Facade) Box() types.Hyperrectangle {
	return f.box
}

// MaxVersion is the highest version stored in the segment.
func (f *Facade) MaxVersion() int64 {
	return f.meta.MaxVersion
}

// Get returns the newest entry for key, live or tombstone.
func (f *Facade) Get(key string) (types.Entry, bool, error) {
	if f.closed.Load() {
		return types.Entry{}, false, ErrClosed
	}
	if key < string(f.meta.MinKey) || key > string(f.meta.MaxKey) || !f.bloom.MayContain(key) {
		return types.Entry{}, false, nil
	}

	// The newest version of key is in the last block starting before key, or
	// in the first block starting at key when versions straddle a boundary.
	start := sort.Search(len(f.blocks), func(i int) bool {
		return f.blocks[i].FirstKey >= key
	})
	if start > 0 {
		start--
	}

	for i := start; i < len(f.blocks) && (i == start || f.blocks[i].FirstKey <= key); i++ {
		entries, err := f.readBlock(i)
		if err != nil {
			return types.Entry{}, false, err
		}
		for _, e := range entries {
			if e.Key == key {
				return e, true, nil
			}
			if e.Key > key {
				return types.Entry{}, false, nil
			}
		}
	}

	return types.Entry{}, false, nil
}

// GetTuplesInside returns, per key, the newest stored entry if its box
// intersects box. Tombstones carry the full space and are always returned.
func (f *Facade) GetTuplesInside(ctx context.Context, box types.Hyperrectangle) ([]types.Entry, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if !f.box.Intersects(box) {
		return nil, nil
	}

	rows := roaring64.New()
	for _, hit := range f.index.Query(box) {
		rows.Add(hit.Offset)
	}
	if rows.IsEmpty() {
		return nil, nil
	}

	out := make([]types.Entry, 0, rows.GetCardinality())
	block := -1
	var entries []types.Entry

	it := rows.Iterator()
	for it.HasNext() {
		row := it.Next()
		b := f.blockForRow(row)
		if b < 0 {
			return nil, formatErr(f.paths[ExtSpatial], fmt.Sprintf("row %d outside data file", row), nil)
		}
		if b != block {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var err error
			if entries, err = f.readBlock(b); err != nil {
				return nil, err
			}
			block = b
		}

		i := row - f.blocks[b].FirstRow
		if i >= uint64(len(entries)) {
			return nil, formatErr(f.paths[ExtSpatial], fmt.Sprintf("row %d outside block %d", row, b), nil)
		}
		e := entries[i]
		if !e.IsTombstone() && !e.Box.Intersects(box) {
			continue
		}
		newest, err := f.isNewest(b, i, entries)
		if err != nil {
			return nil, err
		}
		if newest {
			out = append(out, e)
		}
	}

	return out, nil
}

// isNewest reports whether row i of block b is the first row of its key.
// Rows are ordered by key, then version descending.
func (f *Facade) isNewest(b int, i uint64, entries []types.Entry) (bool, error) {
	key := entries[i].Key
	if i > 0 {
		return entries[i-1].Key != key, nil
	}
	if b == 0 {
		return true, nil
	}
	prev, err := f.readBlock(b - 1)
	if err != nil {
		return false, err
	}
	return len(prev) == 0 || prev[len(prev)-1].Key != key, nil
}

// Entries scans the whole segment in storage order.
func (f *Facade) Entries() ([]types.Entry, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	out := make([]types.Entry, 0, f.meta.Records())
	for i := range f.blocks {
		entries, err := f.readBlock(i)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (f *Facade) blockForRow(row uint64) int {
	if row >= uint64(f.meta.Records()) {
		return -1
	}
	return sort.Search(len(f.blocks), func(i int) bool {
		return f.blocks[i].FirstRow > row
	}) - 1
}

func (f *Facade) readBlock(i int) ([]types.Entry, error) {
	h := f.blocks[i]
	key := BlockKey{Path: f.paths[ExtData], Offset: h.Offset}

	raw, ok := f.cache.Get(key)
	if !ok {
		sealed := make([]byte, h.Length)
		if _, err := f.file.ReadAt(sealed, h.Offset); err != nil {
			return nil, fmt.Errorf("read block %d of %s: %w", i, key.Path, err)
		}
		var err error
		if raw, err = openBlock(sealed); err != nil {
			return nil, formatErr(key.Path, fmt.Sprintf("block %d", i), err)
		}
		f.cache.Set(key, raw)
	}

	entries, err := decodeBlock(raw)
	if err != nil {
		return nil, formatErr(key.Path, fmt.Sprintf("block %d", i), err)
	}
	return entries, nil
}

func (f *Facade) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cache.Evict(f.paths[ExtData])
	return f.file.Close()
}

// Delete closes the facade and removes its files.
func (f *Facade) Delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	var errs []error
	for _, ext := range Extensions {
		if err := os.Remove(f.paths[ext]); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
