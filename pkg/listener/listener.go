package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type options struct {
	stopHandler  func()
	errorHandler func(error)
}

type Option func(*options)

// WithStopHandler runs fn after the consumer goroutine has exited.
func WithStopHandler(fn func()) Option {
	return func(o *options) { o.stopHandler = fn }
}

// WithErrorHandler receives handler errors. Without it a handler error is fatal.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errorHandler = fn }
}

// Listener consumes a channel on its own goroutine, one input at a time.
type Listener[T any] struct {
	handler func(ctx context.Context, input T) error
	opts    options

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option,
) *Listener[T] {
	o := options{
		stopHandler: func() {},
		errorHandler: func(err error) {
			panic("channel listener error: " + err.Error())
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		cancel:  func() {},
		opts:    o,
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
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

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(ctx, inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.opts.stopHandler()
}
