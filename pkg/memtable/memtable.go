package memtable

import (
	"sync"
	"sync/atomic"
	"time"

	"bboxkv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// chain holds the retained versions of one key, newest first. It is never
// mutated in place: writers build a new slice and store it.
type chain = []types.Entry

type orderedMap = skipmap.FuncMap[string, chain]

var nextID atomic.Uint64

// Options bounds a memtable. A zero limit disables that check.
// Versions is the per-key retention: 0 keeps every version.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	Versions   int
}

// Memtable is a sorted in-memory table of recent writes. Reads are lock-free;
// writers are serialized by mu.
type Memtable struct {
	id        uint64
	createdAt time.Time
	opts      Options

	data atomic.Pointer[orderedMap]

	mu       sync.Mutex
	entries  atomic.Int64
	size     atomic.Int64
	sealed   atomic.Bool
	released atomic.Bool
}

func New(opts Options) *Memtable {
	mt := &Memtable{
		id:        nextID.Add(1),
		createdAt: time.Now(),
		opts:      opts,
	}
	mt.data.Store(newOrderedMap())
	return mt
}

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[string, chain](func(a, b string) bool {
		return a < b
	})
}

func (mt *Memtable) ID() uint64 {
	return mt.id
}

// CreatedAt is the creation time in unix milliseconds.
func (mt *Memtable) CreatedAt() int64 {
	return mt.createdAt.UnixMilli()
}

func (mt *Memtable) Put(t types.Tuple) error {
	return mt.Insert(types.Live(t))
}

func (mt *Memtable) Delete(key string, version int64) error {
	return mt.Insert(types.Tombstone(key, version))
}

// Insert adds an entry. An entry with the same key and version replaces the
// existing one.
func (mt *Memtable) Insert(e types.Entry) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.sealed.Load() {
		return ErrSealed
	}

	data := mt.data.Load()
	old, _ := data.Load(e.Key)

	next := make(chain, 0, len(old)+1)
	inserted := false
	for _, cur := range old {
		if !inserted && e.Version >= cur.Version {
			next = append(next, e)
			inserted = true
			if e.Version == cur.Version {
				continue
			}
		}
		next = append(next, cur)
	}
	if !inserted {
		next = append(next, e)
	}
	if mt.opts.Versions > 0 && len(next) > mt.opts.Versions {
		next = next[:mt.opts.Versions]
	}

	data.Store(e.Key, next)

	mt.entries.Add(int64(len(next) - len(old)))
	mt.size.Add(chainSize(next) - chainSize(old))

	return nil
}

func chainSize(c chain) int64 {
	var n int64
	for _, e := range c {
		n += int64(e.Size())
	}
	return n
}

// Get returns the most recent entry for key, live or tombstone.
func (mt *Memtable) Get(key string) (types.Entry, bool) {
	c, ok := mt.data.Load().Load(key)
	if !ok || len(c) == 0 {
		return types.Entry{}, false
	}
	return c[0], true
}

// GetTuplesInside returns the most recent entry of every key whose box
// intersects box. Tombstones always match.
func (mt *Memtable) GetTuplesInside(box types.Hyperrectangle) []types.Entry {
	var out []types.Entry
	mt.data.Load().Range(func(_ string, c chain) bool {
		if len(c) == 0 {
			return true
		}
		if e := c[0]; e.IsTombstone() || e.Box.Intersects(box) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// SortedEntries returns every retained entry, key ascending then version
// descending.
func (mt *Memtable) SortedEntries() []types.Entry {
	out := make([]types.Entry, 0, mt.entries.Load())
	mt.data.Load().Range(func(_ string, c chain) bool {
		out = append(out, c...)
		return true
	})
	return out
}

func (mt *Memtable) IsFull() bool {
	if mt.opts.MaxEntries > 0 && mt.entries.Load() >= int64(mt.opts.MaxEntries) {
		return true
	}
	return mt.opts.MaxBytes > 0 && mt.size.Load() >= mt.opts.MaxBytes
}

// Len is the number of retained entries, all versions included.
func (mt *Memtable) Len() int {
	return int(mt.entries.Load())
}

func (mt *Memtable) Keys() int {
	return mt.data.Load().Len()
}

// Size is the approximate number of bytes held.
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

func (mt *Memtable) IsEmpty() bool {
	return mt.entries.Load() == 0
}

// Seal makes the memtable read-only.
func (mt *Memtable) Seal() {
	mt.mu.Lock()
	mt.sealed.Store(true)
	mt.mu.Unlock()
}

func (mt *Memtable) IsSealed() bool {
	return mt.sealed.Load()
}

// Release marks the memtable as persisted. Readers still holding it keep
// seeing its contents until they drop the reference.
func (mt *Memtable) Release() {
	mt.Seal()
	mt.released.Store(true)
}

func (mt *Memtable) IsReleased() bool {
	return mt.released.Load()
}

// Clear discards all contents.
func (mt *Memtable) Clear() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.data.Store(newOrderedMap())
	mt.entries.Store(0)
	mt.size.Store(0)
}
