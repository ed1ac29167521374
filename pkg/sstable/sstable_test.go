package sstable

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"bboxkv/pkg/memtable"
	"bboxkv/pkg/spatial"
	"bboxkv/pkg/spatial/rtree"
	"bboxkv/pkg/types"
	"bboxkv/pkg/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = types.TableName("points")

func testStrategies(t *testing.T, def string) *spatial.Registry {
	t.Helper()
	reg, err := spatial.NewRegistry(def, rtree.NewStrategy(4), spatial.Flat{})
	require.NoError(t, err)
	return reg
}

// randomEntries returns n keys with up to two versions each, sorted for the
// writer. Every fifth key has a tombstone as its newest version.
func randomEntries(rng *rand.Rand, n int) []types.Entry {
	var out []types.Entry
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		x, y := rng.Float64()*100, rng.Float64()*100
		live := types.Live(types.Tuple{
			Key:     key,
			Box:     types.Box(x, x+rng.Float64()*5, y, y+rng.Float64()*5),
			Value:   []byte(key),
			Version: int64(10 + i),
		})
		if i%5 == 0 {
			out = append(out, types.Tombstone(key, int64(20+i)))
		}
		out = append(out, live)
	}
	sort.SliceStable(out, func(i, j int) bool { return types.Compare(out[i], out[j]) < 0 })
	return out
}

func TestWriterFacade_RoundTrip(t *testing.T) {
	cases := []struct {
		name        string
		strategy    string
		compression Compression
		blockSize   int
	}{
		{name: "rtree snappy", strategy: rtree.Name, compression: CompressionSnappy, blockSize: 256},
		{name: "flat none", strategy: spatial.FlatName, compression: CompressionNone, blockSize: 128},
		{name: "single block", strategy: rtree.Name, compression: CompressionSnappy, blockSize: 1 << 20},
		{name: "rtree zstd", strategy: rtree.Name, compression: CompressionZstd, blockSize: 512},
		{name: "flat lz4", strategy: spatial.FlatName, compression: CompressionLZ4, blockSize: 512},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			strategies := testStrategies(t, tc.strategy)
			entries := randomEntries(rand.New(rand.NewSource(1)), 300)

			w := NewWriter(dir, testTable, WriterOptions{
				BlockSize:   tc.blockSize,
				Compression: tc.compression,
				BloomFPRate: 0.01,
				Strategy:    strategies.Default(),
			})
			meta, err := w.Write(context.Background(), 1, entries)
			require.NoError(t, err)
			assert.Equal(t, len(entries), meta.Records())
			assert.Equal(t, 60, meta.Tombstones)
			assert.Equal(t, tc.strategy, meta.SpatialStrategy)

			f, err := OpenFacade(dir, testTable, 1, FacadeOptions{
				Strategies: strategies,
				Cache:      NewBlockCache(1 << 20),
			})
			require.NoError(t, err)
			defer f.Close()

			stored, err := f.Entries()
			require.NoError(t, err)
			require.Len(t, stored, len(entries))
			for i := range entries {
				assert.Equal(t, entries[i].Key, stored[i].Key)
				assert.Equal(t, entries[i].Version, stored[i].Version)
				assert.Equal(t, entries[i].Kind, stored[i].Kind)
			}

			for i := 0; i < 300; i++ {
				key := fmt.Sprintf("key-%04d", i)
				e, ok, err := f.Get(key)
				require.NoError(t, err)
				require.True(t, ok, key)
				if i%5 == 0 {
					assert.True(t, e.IsTombstone(), key)
				} else {
					assert.Equal(t, []byte(key), e.Value)
					assert.True(t, e.Box.Equal(entries[indexOf(entries, key)].Box))
				}
			}

			_, ok, err := f.Get("zzz")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = f.Get("key-0000a")
			require.NoError(t, err)
			assert.False(t, ok)

			query := types.Box(20, 40, 20, 40)
			got, err := f.GetTuplesInside(context.Background(), query)
			require.NoError(t, err)

			var want []string
			for i, e := range entries {
				if i > 0 && entries[i-1].Key == e.Key {
					continue
				}
				if e.IsTombstone() || e.Box.Intersects(query) {
					want = append(want, fmt.Sprintf("%s@%d", e.Key, e.Version))
				}
			}
			gotKeys := make([]string, len(got))
			for i, e := range got {
				gotKeys[i] = fmt.Sprintf("%s@%d", e.Key, e.Version)
			}
			assert.ElementsMatch(t, want, gotKeys)
		})
	}
}

func TestWriterFacade_BinaryKeys(t *testing.T) {
	dir := t.TempDir()
	strategies := testStrategies(t, rtree.Name)
	keys := []string{"\t", "\x00a", "\xff\xfe", "plain", "\u00e9t\u00e9\n"}
	sort.Strings(keys)

	entries := make([]types.Entry, len(keys))
	for i, k := range keys {
		entries[i] = types.Live(types.Tuple{Key: k, Box: types.Box(0, 1), Value: []byte(k), Version: int64(i + 1)})
	}

	w := NewWriter(dir, testTable, WriterOptions{Strategy: strategies.Default()})
	meta, err := w.Write(context.Background(), 1, entries)
	require.NoError(t, err)

	f, err := OpenFacade(dir, testTable, 1, FacadeOptions{Strategies: strategies})
	require.NoError(t, err)
	defer f.Close()

	stored := f.Metadata()
	assert.Equal(t, meta.MinKey, stored.MinKey)
	assert.Equal(t, Key(keys[0]), stored.MinKey)
	assert.Equal(t, Key(keys[len(keys)-1]), stored.MaxKey)

	for _, k := range keys {
		e, ok, err := f.Get(k)
		require.NoError(t, err)
		require.True(t, ok, "%q", k)
		assert.Equal(t, []byte(k), e.Value)
	}
}

func TestFacade_GetTuplesInside_NewestVersionOnly(t *testing.T) {
	dir := t.TempDir()
	strategies := testStrategies(t, rtree.Name)

	mt := memtable.New(memtable.Options{Versions: 2})
	require.NoError(t, mt.Insert(types.Live(types.Tuple{Key: "k", Box: types.Box(0, 1), Value: []byte("old"), Version: 1})))
	require.NoError(t, mt.Insert(types.Live(types.Tuple{Key: "k", Box: types.Box(5, 6), Value: []byte("new"), Version: 2})))
	require.NoError(t, mt.Insert(types.Live(types.Tuple{Key: "m", Box: types.Box(0, 1), Value: []byte("m"), Version: 3})))

	query := types.Box(0, 1)
	before := mt.GetTuplesInside(query)

	// A block size of one record puts the two versions of k in separate blocks.
	w := NewWriter(dir, testTable, WriterOptions{BlockSize: 1, Strategy: strategies.Default()})
	_, err := w.Write(context.Background(), 1, mt.SortedEntries())
	require.NoError(t, err)

	f, err := OpenFacade(dir, testTable, 1, FacadeOptions{Strategies: strategies, Cache: NewBlockCache(1 << 20)})
	require.NoError(t, err)
	defer f.Close()

	after, err := f.GetTuplesInside(context.Background(), query)
	require.NoError(t, err)

	keysOf := func(entries []types.Entry) []string {
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = fmt.Sprintf("%s@%d", e.Key, e.Version)
		}
		return out
	}
	assert.Equal(t, []string{"m@3"}, keysOf(before))
	assert.ElementsMatch(t, keysOf(before), keysOf(after))

	all, err := f.GetTuplesInside(context.Background(), types.FullSpace)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k@2", "m@3"}, keysOf(all))
}

func indexOf(entries []types.Entry, key string) int {
	for i, e := range entries {
		if e.Key == key && !e.IsTombstone() {
			return i
		}
	}
	return -1
}

func TestWriter_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, testTable, WriterOptions{Strategy: spatial.Flat{}})

	_, err := w.Write(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrEmptyTable)

	_, err = w.Write(context.Background(), 2, []types.Entry{
		types.Tombstone("b", 1),
		types.Tombstone("a", 1),
	})
	assert.Error(t, err)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFacade_CorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	strategies := testStrategies(t, rtree.Name)
	w := NewWriter(dir, testTable, WriterOptions{Strategy: strategies.Default()})
	_, err := w.Write(context.Background(), 3, []types.Entry{types.Tombstone("a", 1)})
	require.NoError(t, err)

	// Segment 4 is a copy of segment 3, so its metadata names the wrong number.
	for ext, path := range SegmentPaths(dir, testTable, 3) {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(SegmentPaths(dir, testTable, 4)[ext], raw, 0644))
	}

	_, err = OpenFacade(dir, testTable, 4, FacadeOptions{Strategies: strategies})
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("key-%d", i))
	}

	var buf bytes.Buffer
	_, err := bf.WriteTo(&buf)
	require.NoError(t, err)
	loaded, err := ReadBloomFilter(&buf)
	require.NoError(t, err)

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		assert.True(t, loaded.MayContain(fmt.Sprintf("key-%d", i)))
		if loaded.MayContain(fmt.Sprintf("other-%d", i)) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 50)
}

func TestReadBloomFilter_BadMagic(t *testing.T) {
	_, err := ReadBloomFilter(bytes.NewReader([]byte("NOTBLOOM0000000000000")))
	assert.Error(t, err)
}

func TestBlockCache_LRU(t *testing.T) {
	bc := NewBlockCache(10)
	k := func(off int64) BlockKey { return BlockKey{Path: "a", Offset: off} }

	bc.Set(k(1), []byte("1234"))
	bc.Set(k(2), []byte("1234"))
	_, ok := bc.Get(k(1))
	require.True(t, ok)

	bc.Set(k(3), []byte("1234"))

	_, ok = bc.Get(k(2))
	assert.False(t, ok, "least recently used block is evicted")
	_, ok = bc.Get(k(1))
	assert.True(t, ok)
	_, ok = bc.Get(k(3))
	assert.True(t, ok)

	bc.Set(BlockKey{Path: "big"}, make([]byte, 11))
	_, ok = bc.Get(BlockKey{Path: "big"})
	assert.False(t, ok)

	bc.Evict("a")
	stats := bc.Stats()
	assert.Zero(t, stats.Blocks)
	assert.Zero(t, stats.Bytes)
	assert.Equal(t, uint64(3), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)

	var disabled *BlockCache
	disabled.Set(k(1), []byte("x"))
	_, ok = disabled.Get(k(1))
	assert.False(t, ok)
}

func TestManifest_Persists(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	require.NoError(t, m.Load())

	n1, err := m.NextTableNumber()
	require.NoError(t, err)
	n2, err := m.NextTableNumber()
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
	require.NoError(t, m.AddSegment(n2))
	require.NoError(t, m.AddSegment(n1))
	require.NoError(t, m.AddSegment(n1))

	reloaded := NewManifest(dir)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, []uint64{n1, n2}, reloaded.Segments())
	assert.Equal(t, n2, reloaded.LastTableNumber())

	require.NoError(t, reloaded.ClearSegments())
	n3, err := reloaded.NextTableNumber()
	require.NoError(t, err)
	assert.Greater(t, n3, n2)
	assert.Empty(t, reloaded.Segments())
}

func TestParseFileName(t *testing.T) {
	n, ext, ok := ParseFileName(testTable, FileName(testTable, 42, ExtBloom))
	require.True(t, ok)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, ExtBloom, ext)

	_, _, ok = ParseFileName(testTable, "sstable_other_1.sst")
	assert.False(t, ok)
	_, _, ok = ParseFileName(testTable, "MANIFEST")
	assert.False(t, ok)
}

// syncQueue persists every job before Enqueue returns.
type syncQueue struct {
	jobs int
}

func (q *syncQueue) Enqueue(ctx context.Context, m *Manager, mt *memtable.Memtable) error {
	defer m.JobDone()
	q.jobs++

	var f *Facade
	if !mt.IsEmpty() {
		var err error
		if f, err = m.PersistMemtable(ctx, mt); err != nil {
			return err
		}
	}
	if err := m.ReplaceMemtableWithFacade(mt, f); err != nil {
		return err
	}
	m.ReleaseMemtable(mt)
	return nil
}

// holdQueue accepts jobs without running them.
type holdQueue struct{}

func (holdQueue) Enqueue(context.Context, *Manager, *memtable.Memtable) error { return nil }

func newTestManager(t *testing.T, root string, queue FlushQueue) *Manager {
	t.Helper()
	strategies := testStrategies(t, rtree.Name)
	m := NewManager(testTable, queue, Options{
		Root:        root,
		Writer:      WriterOptions{BlockSize: 128},
		Strategies:  strategies,
		Cache:       NewBlockCache(1 << 20),
		Parallelism: 2,
	})
	require.NoError(t, m.Init())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func memtableOf(t *testing.T, entries ...types.Entry) *memtable.Memtable {
	t.Helper()
	mt := memtable.New(memtable.Options{})
	for _, e := range entries {
		require.NoError(t, mt.Insert(e))
	}
	return mt
}

func TestManager_GetNewestAcrossSegments(t *testing.T) {
	ctx := context.Background()
	q := &syncQueue{}
	m := newTestManager(t, t.TempDir(), q)

	require.NoError(t, m.FlushMemtable(ctx, memtableOf(t,
		types.Live(types.Tuple{Key: "a", Box: types.Box(0, 1), Value: []byte("a1"), Version: 1}),
		types.Live(types.Tuple{Key: "b", Box: types.Box(0, 1), Value: []byte("b1"), Version: 2}),
	), nil))
	require.NoError(t, m.FlushMemtable(ctx, memtableOf(t,
		types.Live(types.Tuple{Key: "a", Box: types.Box(5, 6), Value: []byte("a2"), Version: 3}),
		types.Tombstone("b", 4),
	), nil))
	require.NoError(t, m.FlushMemtable(ctx, memtableOf(t), nil))

	assert.Equal(t, 3, q.jobs)
	assert.Len(t, m.Facades(), 2)
	assert.Empty(t, m.Unflushed())
	assert.Zero(t, m.Pending())

	e, ok, err := m.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a2"), e.Value)

	e, ok, err = m.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, e.IsTombstone())

	entries, err := m.GetTuplesInside(ctx, types.Box(0, 1))
	require.NoError(t, err)
	// The newer version of a moved out of the box, so only the old one is seen.
	winners := types.Resolve(entries)
	assert.Len(t, winners, 2)
	assert.Equal(t, int64(1), winners["a"].Version)
	assert.True(t, winners["b"].IsTombstone())
}

func TestManager_UnflushedMemtablesAreReadable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, t.TempDir(), holdQueue{})

	mt := memtableOf(t, types.Live(types.Tuple{Key: "a", Box: types.Box(0, 1), Version: 1}))
	require.NoError(t, m.FlushMemtable(ctx, mt, nil))

	assert.True(t, mt.IsSealed())
	assert.Equal(t, int64(1), m.Pending())
	_, ok, err := m.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)

	m.Shutdown()
	assert.False(t, m.IsShutdownComplete())
	assert.ErrorIs(t, m.DeleteExistingTables(), ErrNotShutdown)

	m.JobDone()
	assert.True(t, m.IsShutdownComplete())
}

func TestManager_FlushRemovesWAL(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := newTestManager(t, root, &syncQueue{})

	seg, err := wal.Create(filepath.Join(m.Dir(), "wal"), 1, false)
	require.NoError(t, err)
	e := types.Live(types.Tuple{Key: "a", Box: types.Box(0, 1), Version: 1})
	require.NoError(t, seg.Append(e))

	require.NoError(t, m.FlushMemtable(ctx, memtableOf(t, e), seg))

	_, err = os.Stat(seg.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestManager_InitRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := newTestManager(t, root, &syncQueue{})
	require.NoError(t, m.FlushMemtable(ctx, memtableOf(t,
		types.Live(types.Tuple{Key: "a", Box: types.Box(0, 1), Version: 1}),
	), nil))
	require.NoError(t, m.Close())

	// A segment written but never registered, as after a crash mid-flush.
	w := NewWriter(m.Dir(), testTable, WriterOptions{Strategy: rtree.NewStrategy(4)})
	_, err := w.Write(ctx, 99, []types.Entry{types.Tombstone("z", 5)})
	require.NoError(t, err)

	reopened := newTestManager(t, root, &syncQueue{})
	require.Len(t, reopened.Facades(), 1)
	assert.Equal(t, uint64(1), reopened.Facades()[0].TableNumber())

	for _, path := range SegmentPaths(m.Dir(), testTable, 99) {
		_, err := os.Stat(path)
		assert.ErrorIs(t, err, os.ErrNotExist, path)
	}

	_, ok, err := reopened.Get("z")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := reopened.IncreaseTableNumber()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestManager_DeleteExistingTables(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := newTestManager(t, root, &syncQueue{})
	require.NoError(t, m.FlushMemtable(ctx, memtableOf(t,
		types.Live(types.Tuple{Key: "a", Box: types.Box(0, 1), Version: 1}),
	), nil))

	m.Shutdown()
	require.True(t, m.IsShutdownComplete())
	require.NoError(t, m.DeleteExistingTables())
	assert.Empty(t, m.Facades())

	_, _, err := m.Get("a")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, m.Init())
	assert.Empty(t, m.Facades())
	n, err := m.IncreaseTableNumber()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}
