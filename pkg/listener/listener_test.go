package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerHandlesInOrder(t *testing.T) {
	in := make(chan int, 10)
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	l := New(in, func(v int) error {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})
	l.Start(context.Background())

	for i := 0; i < 5; i++ {
		in <- i
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not consume inputs")
	}
	l.Stop()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestListenerSurvivesErrorsAndPanics(t *testing.T) {
	in := make(chan int)
	errs := make(chan error, 2)
	var handled atomic.Int32

	l := New(in, func(v int) error {
		handled.Add(1)
		switch v {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	}, WithErrorHandler(func(err error) { errs <- err }))
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2
	in <- 3

	first, second := <-errs, <-errs
	assert.ErrorContains(t, first, "boom")

	var pe *PanicError
	require.ErrorAs(t, second, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	assert.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestListenerStopRunsStopHandler(t *testing.T) {
	in := make(chan int)
	stopped := false
	l := New(in, func(int) error { return nil }, WithStopHandler(func() { stopped = true }))
	l.Start(context.Background())
	l.Stop()
	assert.True(t, stopped)
}

func TestListenerExitsOnClosedChannel(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })
	l.Start(context.Background())
	close(in)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}
