package sstable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"bboxkv/pkg/memtable"
	"bboxkv/pkg/spatial"
	"bboxkv/pkg/types"
	"bboxkv/pkg/wal"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// FlushQueue accepts sealed memtables for background persistence.
type FlushQueue interface {
	Enqueue(ctx context.Context, m *Manager, mt *memtable.Memtable) error
}

type Options struct {
	// Root is the data directory; the table lives in Root/<table>.
	Root        string
	Writer      WriterOptions
	Strategies  *spatial.Registry
	Cache       *BlockCache
	Parallelism int
	// PollInterval paces WaitForFlush.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// state is replaced as a whole, never mutated, so readers need no lock.
type state struct {
	facades   []*Facade            // newest table number first
	unflushed []*memtable.Memtable // newest first
}

// Manager owns the persisted segments of one table and the memtables that are
// on their way to disk.
type Manager struct {
	name   types.TableName
	dir    string
	opts   Options
	writer *Writer
	queue  FlushQueue
	logger *slog.Logger

	mu       sync.Mutex
	manifest *Manifest
	wals     map[uint64]*wal.Segment

	state   atomic.Pointer[state]
	ready   atomic.Bool
	pending atomic.Int64
}

func NewManager(name types.TableName, queue FlushQueue, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Writer.Strategy == nil && opts.Strategies != nil {
		opts.Writer.Strategy = opts.Strategies.Default()
	}

	dir := TableDir(opts.Root, name)
	m := &Manager{
		name:   name,
		dir:    dir,
		opts:   opts,
		writer: NewWriter(dir, name, opts.Writer),
		queue:  queue,
		logger: opts.Logger.With("table", string(name)),
		wals:   make(map[uint64]*wal.Segment),
	}
	m.state.Store(&state{})
	return m
}

func (m *Manager) Name() types.TableName {
	return m.name
}

func (m *Manager) Dir() string {
	return m.dir
}

// Init loads the manifest, drops files of unfinished segments and opens every
// registered segment.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready.Load() {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create table directory: %w", err)
	}

	manifest := NewManifest(m.dir)
	if err := manifest.Load(); err != nil {
		return err
	}
	m.manifest = manifest

	segments := manifest.Segments()
	if err := m.removeOrphans(segments); err != nil {
		return err
	}

	facades := make([]*Facade, 0, len(segments))
	for i := len(segments) - 1; i >= 0; i-- {
		f, err := OpenFacade(m.dir, m.name, segments[i], FacadeOptions{
			Strategies: m.opts.Strategies,
			Cache:      m.opts.Cache,
		})
		if err != nil {
			for _, opened := range facades {
				opened.Close()
			}
			return fmt.Errorf("open segment %d: %w", segments[i], err)
		}
		facades = append(facades, f)
	}

	m.state.Store(&state{facades: facades})
	m.wals = make(map[uint64]*wal.Segment)
	m.ready.Store(true)

	m.logger.Info("sstable manager initialized",
		"segments", len(facades),
		"last_table_number", manifest.LastTableNumber())
	return nil
}

func (m *Manager) removeOrphans(segments []uint64) error {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to list table directory: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		n, _, ok := ParseFileName(m.name, de.Name())
		if !ok || slices.Contains(segments, n) {
			continue
		}
		path := filepath.Join(m.dir, de.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove orphan segment file: %w", err)
		}
		m.logger.Warn("removed unfinished segment file", "path", path)
	}
	return nil
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Shutdown marks the manager not ready. Queued flush jobs still complete.
func (m *Manager) Shutdown() {
	m.ready.Store(false)
}

// IsShutdownComplete is true once the manager is not ready and no flush job
// for it is queued or running.
func (m *Manager) IsShutdownComplete() bool {
	return !m.ready.Load() && m.pending.Load() == 0
}

// Pending is the number of flush jobs queued or running for this table.
func (m *Manager) Pending() int64 {
	return m.pending.Load()
}

// WaitForFlush blocks until every submitted flush job has finished.
func (m *Manager) WaitForFlush(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for m.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// FlushMemtable seals mt, keeps it readable and submits it to the flush
// queue. seg is the write-ahead log of mt and may be nil. The call returns
// once the job is queued.
func (m *Manager) FlushMemtable(ctx context.Context, mt *memtable.Memtable, seg *wal.Segment) error {
	mt.Seal()
	if seg != nil {
		if err := seg.Close(); err != nil {
			m.logger.Warn("failed to close WAL segment", "path", seg.Path(), "error", err)
		}
	}

	m.mu.Lock()
	cur := m.state.Load()
	m.state.Store(&state{
		facades:   cur.facades,
		unflushed: append([]*memtable.Memtable{mt}, cur.unflushed...),
	})
	if seg != nil {
		m.wals[mt.ID()] = seg
	}
	m.mu.Unlock()

	m.pending.Add(1)
	if err := m.queue.Enqueue(ctx, m, mt); err != nil {
		m.pending.Add(-1)
		return fmt.Errorf("enqueue flush: %w", err)
	}
	return nil
}

// PersistMemtable writes mt as a new segment and opens it. The segment is not
// visible to readers until ReplaceMemtableWithFacade.
func (m *Manager) PersistMemtable(ctx context.Context, mt *memtable.Memtable) (*Facade, error) {
	n, err := m.IncreaseTableNumber()
	if err != nil {
		return nil, fmt.Errorf("allocate table number: %w", err)
	}

	started := time.Now()
	meta, err := m.writer.Write(ctx, n, mt.SortedEntries())
	if err != nil {
		return nil, err
	}

	f, err := OpenFacade(m.dir, m.name, n, FacadeOptions{
		Strategies: m.opts.Strategies,
		Cache:      m.opts.Cache,
	})
	if err != nil {
		removeSegmentFiles(SegmentPaths(m.dir, m.name, n))
		return nil, err
	}

	m.logger.Info("memtable persisted",
		"table_number", n,
		"records", meta.Records(),
		"size", humanize.Bytes(uint64(meta.DataBytes)),
		"duration", time.Since(started))
	return f, nil
}

// ReplaceMemtableWithFacade registers f in the manifest and swaps it in for mt
// in one step. A nil f only drops mt.
func (m *Manager) ReplaceMemtableWithFacade(mt *memtable.Memtable, f *Facade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f != nil {
		if err := m.manifest.AddSegment(f.TableNumber()); err != nil {
			return fmt.Errorf("register segment %d: %w", f.TableNumber(), err)
		}
	}

	cur := m.state.Load()
	next := &state{
		facades:   cur.facades,
		unflushed: slices.DeleteFunc(slices.Clone(cur.unflushed), func(u *memtable.Memtable) bool { return u == mt }),
	}
	if f != nil {
		next.facades = append([]*Facade{f}, cur.facades...)
		slices.SortStableFunc(next.facades, func(a, b *Facade) int {
			switch {
			case a.TableNumber() > b.TableNumber():
				return -1
			case a.TableNumber() < b.TableNumber():
				return 1
			}
			return 0
		})
	}
	m.state.Store(next)
	return nil
}

// ReleaseMemtable marks mt as persisted and deletes its write-ahead log.
func (m *Manager) ReleaseMemtable(mt *memtable.Memtable) {
	mt.Release()

	m.mu.Lock()
	seg := m.wals[mt.ID()]
	delete(m.wals, mt.ID())
	m.mu.Unlock()

	if seg != nil {
		if err := seg.Remove(); err != nil {
			m.logger.Warn("failed to remove WAL segment", "path", seg.Path(), "error", err)
		}
	}
}

// JobDone is called by the flush queue once a job of this manager finished,
// successfully or not.
func (m *Manager) JobDone() {
	m.pending.Add(-1)
}

// Get returns the entry with the highest version for key among the memtables
// in flight and the segments.
func (m *Manager) Get(key string) (types.Entry, bool, error) {
	if !m.ready.Load() {
		return types.Entry{}, false, ErrNotReady
	}

	st := m.state.Load()
	var (
		best  types.Entry
		found bool
	)
	for _, mt := range st.unflushed {
		if e, ok := mt.Get(key); ok && (!found || e.Supersedes(best)) {
			best, found = e, true
		}
	}

	for _, f := range st.facades {
		if found && !canBeat(f.MaxVersion(), best) {
			continue
		}
		e, ok, err := f.Get(key)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("segment %d: %w", f.TableNumber(), err)
		}
		if ok && (!found || e.Supersedes(best)) {
			best, found = e, true
		}
	}

	return best, found, nil
}

// canBeat reports whether a segment holding versions up to maxVersion may
// contain an entry superseding best.
func canBeat(maxVersion int64, best types.Entry) bool {
	if maxVersion != best.Version {
		return maxVersion > best.Version
	}
	return !best.IsTombstone()
}

// GetTuplesInside collects the entries intersecting box from the memtables in
// flight and every segment whose extent intersects box. Keys are not resolved
// across layers.
func (m *Manager) GetTuplesInside(ctx context.Context, box types.Hyperrectangle) ([]types.Entry, error) {
	if !m.ready.Load() {
		return nil, ErrNotReady
	}

	st := m.state.Load()
	var out []types.Entry
	for _, mt := range st.unflushed {
		out = append(out, mt.GetTuplesInside(box)...)
	}

	var candidates []*Facade
	for _, f := range st.facades {
		if f.Box().Intersects(box) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return out, nil
	}

	results := make([][]types.Entry, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i, f := range candidates {
		g.Go(func() error {
			entries, err := f.GetTuplesInside(gctx, box)
			if err != nil {
				return fmt.Errorf("segment %d: %w", f.TableNumber(), err)
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// IncreaseTableNumber returns the next table number. It is persisted before
// being handed out.
func (m *Manager) IncreaseTableNumber() (uint64, error) {
	m.mu.Lock()
	manifest := m.manifest
	m.mu.Unlock()

	if manifest == nil {
		return 0, ErrNotReady
	}
	return manifest.NextTableNumber()
}

// DeleteExistingTables removes every segment and every memtable in flight
// with its write-ahead log. The table number counter is kept.
func (m *Manager) DeleteExistingTables() error {
	if !m.IsShutdownComplete() {
		return ErrNotShutdown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state.Load()
	var errs []error
	for _, f := range st.facades {
		if err := f.Delete(); err != nil {
			errs = append(errs, fmt.Errorf("delete segment %d: %w", f.TableNumber(), err))
		}
	}
	for id, seg := range m.wals {
		if err := seg.Remove(); err != nil {
			errs = append(errs, err)
		}
		delete(m.wals, id)
	}
	if m.manifest != nil {
		if err := m.manifest.ClearSegments(); err != nil {
			errs = append(errs, err)
		}
	}
	m.state.Store(&state{})

	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.logger.Info("deleted all segments", "segments", len(st.facades))
	return nil
}

// Close releases the file handles of every segment.
func (m *Manager) Close() error {
	m.ready.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state.Load()
	var errs []error
	for _, f := range st.facades {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.state.Store(&state{unflushed: st.unflushed})
	return errors.Join(errs...)
}

// Facades returns the registered segments, newest first.
func (m *Manager) Facades() []*Facade {
	return slices.Clone(m.state.Load().facades)
}

// Unflushed returns the memtables in flight, newest first.
func (m *Manager) Unflushed() []*memtable.Memtable {
	return slices.Clone(m.state.Load().unflushed)
}
