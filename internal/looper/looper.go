// Package looper runs queued functions one at a time on a single goroutine.
// All mirroring state is owned by that goroutine, so nothing it touches needs
// locking.
package looper

import (
	"context"
	"errors"
	"sync"

	"github.com/chenxiaolong/MirrorMobile/internal/logger"
)

// ErrStopped is returned when work is submitted after the looper exited
var ErrStopped = errors.New("looper stopped")

// Looper is an unbounded FIFO work queue drained by Run
type Looper struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	running bool
}

// New creates a looper. Nothing runs until Run is called.
func New() *Looper {
	l := &Looper{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post queues fn. It never blocks and reports false if the looper has stopped.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Call runs fn on the looper and waits for it to finish. A panic in fn is not
// recovered; it takes down the looper like any other work.
func (l *Looper) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ok := l.Post(func() {
		defer close(done)
		fn()
	})
	if !ok {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. Work still queued at that point
// is run before Run returns; later Posts are rejected.
func (l *Looper) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return errors.New("looper already started")
	}
	l.running = true
	l.mu.Unlock()

	log := logger.WithComponent("looper")
	log.Debug().Msg("Looper started")

	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.stopped = true
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			log.Debug().Msg("Looper stopped")
			return ctx.Err()
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
