package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bboxkv/pkg/clock"
	"bboxkv/pkg/memtable"
	"bboxkv/pkg/metrics"
	"bboxkv/pkg/sstable"
	"bboxkv/pkg/types"
	"bboxkv/pkg/wal"
)

const walDirName = "wal"

// Clock hands out versions for deletes and unversioned puts.
type Clock interface {
	Next() int64
	Observe(v int64)
}

type Options struct {
	Memtable     memtable.Options
	WALEnabled   bool
	WALSync      bool
	PollInterval time.Duration
	SSTable      sstable.Options
	Clock        Clock
	Metrics      metrics.Collector
	Logger       *slog.Logger
}

// Manager is the storage of one table: the active memtable in front of the
// table's sstable manager.
type Manager struct {
	name     types.TableName
	opts     Options
	sstables *sstable.Manager
	walDir   string
	logger   *slog.Logger

	// mu is the write section: check full, rotate, log, insert.
	mu     sync.Mutex
	active atomic.Pointer[memtable.Memtable]
	wal    *wal.Segment
	walSeq uint64
	ready  atomic.Bool
}

func NewManager(name types.TableName, queue sstable.FlushQueue, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewAtomic(0)
	}
	opts.SSTable.Logger = opts.Logger
	if opts.SSTable.PollInterval <= 0 {
		opts.SSTable.PollInterval = opts.PollInterval
	}

	sstables := sstable.NewManager(name, queue, opts.SSTable)
	m := &Manager{
		name:     name,
		opts:     opts,
		sstables: sstables,
		walDir:   filepath.Join(sstables.Dir(), walDirName),
		logger:   opts.Logger.With("table", string(name)),
	}
	m.active.Store(memtable.New(opts.Memtable))
	return m
}

func (m *Manager) Name() types.TableName {
	return m.name
}

func (m *Manager) SSTables() *sstable.Manager {
	return m.sstables
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// IsShutdownComplete is true once the table is not ready and no flush job of
// it is queued or running.
func (m *Manager) IsShutdownComplete() bool {
	return !m.ready.Load() && m.sstables.IsShutdownComplete()
}

// Init installs a fresh memtable, opens the persisted segments, replays
// leftover write-ahead logs and marks the table ready.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready.Load() {
		return nil
	}

	// The memtable must exist before recovery: replay inserts into it.
	m.active.Store(memtable.New(m.opts.Memtable))

	if err := m.sstables.Init(); err != nil {
		return wrap("init", m.name, err)
	}
	for _, f := range m.sstables.Facades() {
		m.opts.Clock.Observe(f.MaxVersion())
	}

	if m.opts.WALEnabled {
		if err := m.recover(ctx); err != nil {
			return wrap("init", m.name, err)
		}
	}

	m.ready.Store(true)
	m.opts.Metrics.SetReady(string(m.name), true)
	m.logger.Info("storage ready",
		"segments", len(m.sstables.Facades()),
		"recovered_entries", m.active.Load().Len())
	return nil
}

// recover moves the contents of every leftover WAL segment into the active
// memtable and its new segment, then deletes the old files.
func (m *Manager) recover(ctx context.Context) error {
	leftovers, maxSeq, err := wal.List(m.walDir)
	if err != nil {
		return err
	}
	m.walSeq = max(m.walSeq, maxSeq)

	seg, err := m.newSegment()
	if err != nil {
		return err
	}
	m.wal = seg

	mt := m.active.Load()
	for _, path := range leftovers {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := wal.Replay(path, func(e types.Entry) error {
			m.opts.Clock.Observe(e.Version)
			if err := seg.Append(e); err != nil {
				return err
			}
			return mt.Insert(e)
		})
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove replayed WAL: %w", err)
		}
		m.logger.Info("replayed write-ahead log", "path", path)
	}
	return nil
}

func (m *Manager) newSegment() (*wal.Segment, error) {
	m.walSeq++
	return wal.Create(m.walDir, m.walSeq, m.opts.WALSync)
}

// Put stores t. A zero version is replaced by a fresh clock value.
func (m *Manager) Put(ctx context.Context, t types.Tuple) (err error) {
	defer m.observe("put", time.Now(), &err)

	if !m.ready.Load() {
		return wrap("put", m.name, ErrNotReady)
	}
	if err := t.Validate(); err != nil {
		return wrap("put", m.name, err)
	}
	if t.Version == 0 {
		t.Version = m.opts.Clock.Next()
	} else {
		m.opts.Clock.Observe(t.Version)
	}

	return wrap("put", m.name, m.write(ctx, types.Live(t)))
}

// Delete writes a tombstone for key at a fresh version.
func (m *Manager) Delete(ctx context.Context, key string) (err error) {
	defer m.observe("delete", time.Now(), &err)

	if !m.ready.Load() {
		return wrap("delete", m.name, ErrNotReady)
	}
	if key == "" {
		return wrap("delete", m.name, types.ErrEmptyKey)
	}

	return wrap("delete", m.name, m.write(ctx, types.Tombstone(key, m.opts.Clock.Next())))
}

func (m *Manager) write(ctx context.Context, e types.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready.Load() {
		return ErrNotReady
	}

	if m.active.Load().IsFull() {
		if err := m.rotate(ctx); err != nil {
			return err
		}
	}

	mt := m.active.Load()
	if m.wal != nil {
		if err := m.wal.Append(e); err != nil {
			return fmt.Errorf("append to WAL: %w", err)
		}
	}
	if err := mt.Insert(e); err != nil {
		return err
	}

	m.opts.Metrics.SetMemtable(string(m.name), mt.Len(), mt.Size())
	return nil
}

// rotate hands the active memtable to the flush pipeline and installs an
// empty one. The old memtable is registered as in flight before the swap, so
// readers always find it in one of the two places. Must hold mu.
func (m *Manager) rotate(ctx context.Context) error {
	old, oldSeg := m.active.Load(), m.wal

	var newSeg *wal.Segment
	if m.opts.WALEnabled {
		seg, err := m.newSegment()
		if err != nil {
			return fmt.Errorf("create WAL segment: %w", err)
		}
		newSeg = seg
	}

	flushErr := m.sstables.FlushMemtable(ctx, old, oldSeg)

	m.active.Store(memtable.New(m.opts.Memtable))
	m.wal = newSeg

	if flushErr != nil {
		m.logger.Error("memtable kept in memory, flush was not queued",
			"memtable", old.ID(), "entries", old.Len(), "error", flushErr)
		return flushErr
	}

	m.logger.Debug("memtable rotated", "memtable", old.ID(), "entries", old.Len())
	return nil
}

// Get returns the live tuple with the highest version for key.
func (m *Manager) Get(ctx context.Context, key string) (_ types.Tuple, err error) {
	defer m.observe("get", time.Now(), &err)

	if !m.ready.Load() {
		return types.Tuple{}, wrap("get", m.name, ErrNotReady)
	}

	best, found := m.active.Load().Get(key)

	e, ok, err := m.sstables.Get(key)
	if err != nil {
		return types.Tuple{}, wrap("get", m.name, notReady(err))
	}
	if ok && (!found || e.Supersedes(best)) {
		best, found = e, true
	}

	if !found {
		return types.Tuple{}, wrap("get", m.name, ErrNotFound)
	}
	switch best.Kind {
	case types.KindLive:
		t, _ := best.Tuple()
		return t, nil
	case types.KindTombstone:
		return types.Tuple{}, wrap("get", m.name, ErrNotFound)
	default:
		return types.Tuple{}, wrap("get", m.name, fmt.Errorf("unknown entry kind %s", best.Kind))
	}
}

// GetTuplesInside returns the newest live tuple of every key whose entries
// intersect box, sorted by key.
func (m *Manager) GetTuplesInside(ctx context.Context, box types.Hyperrectangle) (_ []types.Tuple, err error) {
	defer m.observe("query", time.Now(), &err)

	if !m.ready.Load() {
		return nil, wrap("query", m.name, ErrNotReady)
	}

	entries := m.active.Load().GetTuplesInside(box)
	persisted, err := m.sstables.GetTuplesInside(ctx, box)
	if err != nil {
		return nil, wrap("query", m.name, notReady(err))
	}
	entries = append(entries, persisted...)

	winners := types.Resolve(entries)
	out := make([]types.Tuple, 0, len(winners))
	for _, e := range winners {
		switch e.Kind {
		case types.KindLive:
			t, _ := e.Tuple()
			out = append(out, t)
		case types.KindTombstone:
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Flush rotates the active memtable into the pipeline even when it is empty.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready.Load() {
		return wrap("flush", m.name, ErrNotReady)
	}
	return wrap("flush", m.name, m.rotate(ctx))
}

// WaitForFlush blocks until every queued flush of the table finished.
func (m *Manager) WaitForFlush(ctx context.Context) error {
	return wrap("flush", m.name, m.sstables.WaitForFlush(ctx))
}

// Clear drops every tuple of the table and re-initializes it. It blocks until
// in-flight flushes finished, bounded by ctx.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.ready.Store(false)
	m.opts.Metrics.SetReady(string(m.name), false)
	m.active.Load().Clear()
	if m.wal != nil {
		if err := m.wal.Remove(); err != nil {
			m.logger.Warn("failed to remove WAL segment", "error", err)
		}
		m.wal = nil
	}
	m.mu.Unlock()

	m.sstables.Shutdown()
	if err := m.waitShutdown(ctx); err != nil {
		return wrap("clear", m.name, err)
	}

	if err := m.sstables.DeleteExistingTables(); err != nil {
		return wrap("clear", m.name, err)
	}
	if err := m.removeWALs(); err != nil {
		return wrap("clear", m.name, err)
	}

	m.logger.Info("table cleared")
	return m.Init(ctx)
}

func (m *Manager) waitShutdown(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for !m.sstables.IsShutdownComplete() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (m *Manager) removeWALs() error {
	paths, _, err := wal.List(m.walDir)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops accepting requests, hands a non-empty memtable to the
// pipeline and waits for the table's flushes, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.ready.Load() {
		m.mu.Unlock()
		return nil
	}
	m.ready.Store(false)
	m.opts.Metrics.SetReady(string(m.name), false)

	mt := m.active.Load()
	if !mt.IsEmpty() {
		if err := m.sstables.FlushMemtable(ctx, mt, m.wal); err != nil {
			m.logger.Warn("final memtable not queued, kept in WAL", "entries", mt.Len(), "error", err)
		}
	} else if m.wal != nil {
		if err := m.wal.Remove(); err != nil {
			m.logger.Warn("failed to remove WAL segment", "error", err)
		}
	}
	m.wal = nil
	m.active.Store(memtable.New(m.opts.Memtable))
	m.mu.Unlock()

	if err := m.sstables.WaitForFlush(ctx); err != nil {
		return wrap("shutdown", m.name, err)
	}
	m.sstables.Shutdown()
	if err := m.sstables.Close(); err != nil {
		return wrap("shutdown", m.name, err)
	}

	m.logger.Info("storage shut down")
	return nil
}

// Stats is a snapshot of the table state.
type Stats struct {
	Table          string   `json:"table"`
	Ready          bool     `json:"ready"`
	ActiveEntries  int      `json:"active_entries"`
	ActiveBytes    int64    `json:"active_bytes"`
	Unflushed      int      `json:"unflushed_memtables"`
	PendingFlushes int64    `json:"pending_flushes"`
	Segments       []uint64 `json:"segments"`
}

func (m *Manager) Stats() Stats {
	mt := m.active.Load()
	facades := m.sstables.Facades()
	segments := make([]uint64, len(facades))
	for i, f := range facades {
		segments[i] = f.TableNumber()
	}
	return Stats{
		Table:          string(m.name),
		Ready:          m.ready.Load(),
		ActiveEntries:  mt.Len(),
		ActiveBytes:    mt.Size(),
		Unflushed:      len(m.sstables.Unflushed()),
		PendingFlushes: m.sstables.Pending(),
		Segments:       segments,
	}
}

func (m *Manager) observe(op string, started time.Time, err *error) {
	var opErr error
	if *err != nil && !errors.Is(*err, ErrNotFound) {
		opErr = *err
	}
	m.opts.Metrics.RecordOperation(string(m.name), op, time.Since(started), opErr)
}
