package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"bboxkv/pkg/clock"
	"bboxkv/pkg/cluster"
	"bboxkv/pkg/config"
	"bboxkv/pkg/flush"
	"bboxkv/pkg/memtable"
	"bboxkv/pkg/metrics"
	"bboxkv/pkg/spatial"
	"bboxkv/pkg/spatial/rtree"
	"bboxkv/pkg/sstable"
	"bboxkv/pkg/types"
)

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(c metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = c
	}
}

func WithReporter(rep cluster.StateReporter) Option {
	return func(r *Registry) {
		r.reporter = rep
	}
}

func WithClock(c Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// Registry owns the storage managers of the node and the machinery they
// share: the flush pipeline, its callbacks, the block cache and the spatial
// index strategies.
type Registry struct {
	cfg        config.StorageConfig
	pipeline   *flush.Pipeline
	callbacks  *flush.Callbacks
	cache      *sstable.BlockCache
	strategies *spatial.Registry
	writer     sstable.WriterOptions
	clock      Clock
	metrics    metrics.Collector
	reporter   cluster.StateReporter
	logger     *slog.Logger

	mu     sync.Mutex
	tables map[types.TableName]*Manager
	closed bool
}

func NewRegistry(cfg config.StorageConfig, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	r := &Registry{
		cfg:      cfg,
		metrics:  metrics.Noop{},
		reporter: cluster.Noop{},
		logger:   slog.Default(),
		tables:   make(map[types.TableName]*Manager),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.NewAtomic(time.Now().UnixNano())
	}

	strategies, err := spatial.NewRegistry(cfg.SpatialIndex.Strategy,
		rtree.NewStrategy(cfg.SpatialIndex.MaxNodeSize),
		spatial.Flat{},
	)
	if err != nil {
		return nil, err
	}
	r.strategies = strategies

	r.cache = sstable.NewBlockCache(cfg.Cache.CapacityBytes)
	r.writer = sstable.WriterOptions{
		BlockSize:   cfg.SSTable.BlockSize,
		Compression: sstable.Compression(cfg.SSTable.Compression),
		BloomFPRate: cfg.BloomFilter.FPRate,
		Strategy:    strategies.Default(),
		Limiter:     sstable.NewLimiter(cfg.Flush.IOLimitBytesPerSec, cfg.SSTable.BlockSize),
	}

	r.callbacks = flush.NewCallbacks()
	r.pipeline = flush.NewPipeline(flush.Options{
		QueueSize:    cfg.Flush.QueueSize,
		PollInterval: cfg.Flush.ShutdownPollInterval,
		Callbacks:    r.callbacks,
		Metrics:      r.metrics,
		Logger:       r.logger,
	})

	return r, nil
}

// Start runs the flush worker, opens every table found under the data root
// and reports the node ready.
func (r *Registry) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.RootPath, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	r.pipeline.Start(context.WithoutCancel(ctx))

	names, err := r.discover()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := r.Table(ctx, name); err != nil {
			return err
		}
	}

	if err := r.reporter.SetReady(ctx, true); err != nil {
		r.logger.Warn("failed to report node ready", "error", err)
	}
	r.logger.Info("storage registry started", "root", r.cfg.RootPath, "tables", len(names))
	return nil
}

func (r *Registry) discover() ([]types.TableName, error) {
	dirEntries, err := os.ReadDir(r.cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}
	var names []types.TableName
	for _, de := range dirEntries {
		name := types.TableName(de.Name())
		if !de.IsDir() || name.Validate() != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Table returns the initialized manager of a table, creating it on first use.
func (r *Registry) Table(ctx context.Context, name types.TableName) (*Manager, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryDown
	}
	if m, ok := r.tables[name]; ok {
		return m, nil
	}

	m := NewManager(name, r.pipeline, Options{
		Memtable: memtable.Options{
			MaxEntries: r.cfg.Memtable.MaxEntries,
			MaxBytes:   r.cfg.Memtable.MaxBytes,
			Versions:   r.cfg.Versions,
		},
		WALEnabled:   r.cfg.WAL.Enabled,
		WALSync:      r.cfg.WAL.Sync,
		PollInterval: r.cfg.Flush.ShutdownPollInterval,
		SSTable: sstable.Options{
			Root:         r.cfg.RootPath,
			Writer:       r.writer,
			Strategies:   r.strategies,
			Cache:        r.cache,
			Parallelism:  r.cfg.Query.Parallelism,
			PollInterval: r.cfg.Flush.ShutdownPollInterval,
		},
		Clock:   r.clock,
		Metrics: r.metrics,
		Logger:  r.logger,
	})
	if err := m.Init(ctx); err != nil {
		return nil, err
	}
	r.tables[name] = m
	return m, nil
}

// Lookup returns the manager of a table without creating it.
func (r *Registry) Lookup(name types.TableName) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.tables[name]
	return m, ok
}

// Tables returns the names of the open tables, sorted.
func (r *Registry) Tables() []types.TableName {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]types.TableName, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DropTable clears a table, shuts it down and removes its directory.
func (r *Registry) DropTable(ctx context.Context, name types.TableName) error {
	r.mu.Lock()
	m, ok := r.tables[name]
	delete(r.tables, name)
	r.mu.Unlock()

	if !ok {
		return wrap("drop", name, ErrNotFound)
	}

	if err := m.Clear(ctx); err != nil {
		return err
	}
	if err := m.Shutdown(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(m.walDir)); err != nil {
		return wrap("drop", name, err)
	}

	r.logger.Info("table dropped", "table", string(name))
	return nil
}

// RegisterCallback adds a listener that runs after every completed flush.
func (r *Registry) RegisterCallback(cb flush.Callback) (unregister func()) {
	return r.callbacks.Register(cb)
}

func (r *Registry) BlockCache() *sstable.BlockCache {
	return r.cache
}

func (r *Registry) Pipeline() *flush.Pipeline {
	return r.pipeline
}

// Shutdown stops every table, drains and stops the flush pipeline and
// reports the node outdated.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	tables := make([]*Manager, 0, len(r.tables))
	for _, m := range r.tables {
		tables = append(tables, m)
	}
	r.mu.Unlock()

	if err := r.reporter.SetReady(ctx, false); err != nil {
		r.logger.Warn("failed to report node outdated", "error", err)
	}

	var errs []error
	for _, m := range tables {
		if err := m.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.pipeline.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain flush pipeline: %w", err))
	}
	r.pipeline.Stop()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("storage registry shut down", "tables", len(tables))
	return nil
}
