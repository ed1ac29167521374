package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bboxkv/pkg/listener"
	"bboxkv/pkg/memtable"
	"bboxkv/pkg/metrics"
	"bboxkv/pkg/sstable"
)

var ErrPipelineStopped = errors.New("flush pipeline stopped")

// Job is one sealed memtable waiting to be persisted by its manager.
type Job struct {
	Memtable *memtable.Memtable
	Manager  *sstable.Manager
}

type Options struct {
	QueueSize    int
	PollInterval time.Duration
	Callbacks    *Callbacks
	Metrics      metrics.Collector
	Logger       *slog.Logger
}

// Pipeline persists memtables in submission order on a single worker. It is
// shared by every table of the process.
type Pipeline struct {
	*listener.Listener[Job]

	jobs      chan Job
	callbacks *Callbacks
	metrics   metrics.Collector
	logger    *slog.Logger
	poll      time.Duration

	inflight atomic.Int64
	stopped  chan struct{}
	stopOnce sync.Once
}

var (
	_ sstable.FlushQueue = (*Pipeline)(nil)
	_ listener.Job       = (*Pipeline)(nil)
)

func NewPipeline(opts Options) *Pipeline {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbacks()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		jobs:      make(chan Job, opts.QueueSize),
		callbacks: opts.Callbacks,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "flush"),
		poll:      opts.PollInterval,
		stopped:   make(chan struct{}),
	}
	p.Listener = listener.New(p.jobs, p.process,
		listener.WithLogger(p.logger),
		listener.WithStopHandler(p.abandonQueued),
	)
	return p
}

func (p *Pipeline) Callbacks() *Callbacks {
	return p.callbacks
}

// Enqueue submits a job. It blocks while the queue is full until space frees,
// ctx is done or the pipeline stops.
func (p *Pipeline) Enqueue(ctx context.Context, m *sstable.Manager, mt *memtable.Memtable) error {
	select {
	case <-p.stopped:
		return ErrPipelineStopped
	default:
	}

	p.inflight.Add(1)
	select {
	case p.jobs <- Job{Memtable: mt, Manager: m}:
		p.metrics.SetQueueDepth(int(p.inflight.Load()))
		// Stop may have drained the queue before this send landed.
		select {
		case <-p.stopped:
			p.abandonQueued()
		default:
		}
		return nil
	case <-ctx.Done():
		p.inflight.Add(-1)
		return ctx.Err()
	case <-p.stopped:
		p.inflight.Add(-1)
		return ErrPipelineStopped
	}
}

// InFlight is the number of jobs queued or running.
func (p *Pipeline) InFlight() int64 {
	return p.inflight.Load()
}

// Drain waits until every submitted job finished.
func (p *Pipeline) Drain(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for p.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop rejects new jobs and stops the worker after its current job. Jobs
// still queued are abandoned and reported.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.Listener.Stop()
	})
}

func (p *Pipeline) process(job Job) error {
	defer func() {
		job.Manager.JobDone()
		p.metrics.SetQueueDepth(int(p.inflight.Add(-1)))
	}()

	table := job.Manager.Name()
	mt := job.Memtable

	if mt.IsEmpty() {
		if err := job.Manager.ReplaceMemtableWithFacade(mt, nil); err != nil {
			p.metrics.RecordFlushFailure(string(table))
			return fmt.Errorf("flush %s: %w", table, err)
		}
		job.Manager.ReleaseMemtable(mt)
		p.metrics.RecordFlushSkipped(string(table))
		p.logger.Debug("skipped empty memtable", "table", string(table))
	} else {
		started := time.Now()
		facade, err := job.Manager.PersistMemtable(context.Background(), mt)
		if err != nil {
			p.fail(table, mt, err)
			return nil
		}
		if err := job.Manager.ReplaceMemtableWithFacade(mt, facade); err != nil {
			if derr := facade.Delete(); derr != nil {
				p.logger.Warn("failed to delete unregistered segment", "table", string(table), "error", derr)
			}
			p.fail(table, mt, err)
			return nil
		}
		job.Manager.ReleaseMemtable(mt)

		meta := facade.Metadata()
		p.metrics.RecordFlush(string(table), meta.Records(), meta.DataBytes, time.Since(started))
	}

	if failed := p.callbacks.Invoke(table, mt.CreatedAt(), p.logger); failed > 0 {
		for i := 0; i < failed; i++ {
			p.metrics.RecordCallbackFailure(string(table))
		}
	}
	return nil
}

// fail logs a dropped job. The memtable stays readable in its manager and its
// write-ahead log is kept for replay.
func (p *Pipeline) fail(table fmt.Stringer, mt *memtable.Memtable, err error) {
	p.metrics.RecordFlushFailure(table.String())
	p.logger.Error("flush failed, memtable kept in memory",
		"table", table.String(),
		"memtable", mt.ID(),
		"entries", mt.Len(),
		"error", err)
}

func (p *Pipeline) abandonQueued() {
	for {
		select {
		case job := <-p.jobs:
			p.logger.Warn("flush job abandoned on stop",
				"table", string(job.Manager.Name()),
				"memtable", job.Memtable.ID(),
				"entries", job.Memtable.Len())
			job.Manager.JobDone()
			p.metrics.SetQueueDepth(int(p.inflight.Add(-1)))
		default:
			return
		}
	}
}
