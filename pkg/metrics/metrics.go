package metrics

import "time"

// Collector receives storage engine events.
type Collector interface {
	RecordOperation(table, op string, duration time.Duration, err error)
	RecordFlush(table string, records int, bytes int64, duration time.Duration)
	RecordFlushSkipped(table string)
	RecordFlushFailure(table string)
	RecordCallbackFailure(table string)
	SetQueueDepth(depth int)
	SetMemtable(table string, entries int, bytes int64)
	SetReady(table string, ready bool)
}

// Noop discards everything.
type Noop struct{}

var _ Collector = Noop{}

func (Noop) RecordOperation(string, string, time.Duration, error) {}
func (Noop) RecordFlush(string, int, int64, time.Duration)        {}
func (Noop) RecordFlushSkipped(string)                            {}
func (Noop) RecordFlushFailure(string)                            {}
func (Noop) RecordCallbackFailure(string)                         {}
func (Noop) SetQueueDepth(int)                                    {}
func (Noop) SetMemtable(string, int, int64)                       {}
func (Noop) SetReady(string, bool)                                {}
