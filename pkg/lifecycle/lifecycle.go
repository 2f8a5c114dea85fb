package lifecycle

import (
	"context"
	"sync"
)

// Lifecycle owns the background tasks of a session: they all share one
// context and Shutdown waits for every one of them.
type Lifecycle struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewLifecycle(parent context.Context) *Lifecycle {
	ctx, cancel := context.WithCancel(parent)
	return &Lifecycle{
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *Lifecycle) Go(fn func(ctx context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(l.ctx)
	}()
}

// OnShutdown runs fn once the context is cancelled, before Shutdown returns.
func (l *Lifecycle) OnShutdown(fn func()) {
	l.Go(func(ctx context.Context) {
		<-ctx.Done()
		fn()
	})
}

func (l *Lifecycle) Cancel() {
	l.cancel()
}

func (l *Lifecycle) Shutdown() {
	l.once.Do(l.cancel)
	l.wg.Wait()
}

func (l *Lifecycle) Context() context.Context {
	return l.ctx
}

func (l *Lifecycle) Done() <-chan struct{} {
	return l.ctx.Done()
}
