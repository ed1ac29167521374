package flush

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"bboxkv/pkg/types"
)

// Callback is notified after a memtable of table was flushed, or skipped
// because it was empty. timestamp is the memtable creation time in unix
// milliseconds.
type Callback func(table types.TableName, timestamp int64) error

// Callbacks is a registry of flush callbacks. Failures are isolated per
// callback.
type Callbacks struct {
	mu     sync.RWMutex
	nextID int
	items  map[int]Callback
}

func NewCallbacks() *Callbacks {
	return &Callbacks{items: make(map[int]Callback)}
}

// Register adds cb and returns a function removing it again.
func (c *Callbacks) Register(cb Callback) (unregister func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.items[id] = cb

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.items, id)
	}
}

func (c *Callbacks) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Invoke calls every callback in registration order and returns how many of
// them failed.
func (c *Callbacks) Invoke(table types.TableName, timestamp int64, logger *slog.Logger) int {
	c.mu.RLock()
	ids := make([]int, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]Callback, len(ids))
	for i, id := range ids {
		cbs[i] = c.items[id]
	}
	c.mu.RUnlock()

	failed := 0
	for _, cb := range cbs {
		if err := safeCall(cb, table, timestamp); err != nil {
			failed++
			logger.Error("flush callback failed", "table", string(table), "error", err)
		}
	}
	return failed
}

func safeCall(cb Callback, table types.TableName, timestamp int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(table, timestamp)
}
