package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// PanicError is handed to the error handler when the handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

type Option func(*options)

type options struct {
	stopHandler  func()
	errorHandler func(error)
	logger       *slog.Logger
}

// WithStopHandler runs fn after the consumer goroutine exited.
func WithStopHandler(fn func()) Option {
	return func(o *options) { o.stopHandler = fn }
}

// WithErrorHandler receives every handler error and recovered panic. The
// default logs them.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errorHandler = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Listener consumes a channel on one goroutine. A failing or panicking
// handler is reported and the consumer keeps going.
type Listener[T any] struct {
	handler func(input T) error
	opts    options

	in     <-chan T
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	opts ...Option,
) *Listener[T] {
	o := options{
		stopHandler: func() {},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.errorHandler == nil {
		logger := o.logger
		o.errorHandler = func(err error) {
			var pe *PanicError
			if errors.As(err, &pe) {
				logger.Error("channel listener recovered from panic", "panic", pe.Value, "stack", string(pe.Stack))
				return
			}
			logger.Error("channel listener handler failed", "error", err)
		}
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		opts:    o,
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.opts.errorHandler(err)
			}
		}
	}()
}

// run waits for one input. The receive is the only cancellation point: an
// input already taken is always handled.
func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		return l.handle(inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

func (l *Listener[T]) handle(inp T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if err := l.handler(inp); err != nil {
		return fmt.Errorf("failed to handle input: %w", err)
	}
	return nil
}

func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.opts.stopHandler()
}
