package call

import (
	"sync"
	"time"
)

// executor is the single serialized execution context every mutation of the
// call model runs on. Public operations, transport deliveries and engine
// callbacks all enqueue closures here instead of touching shared state, so
// the roster maps and queues need no further synchronization.
type executor struct {
	tasks chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	defer close(e.done)
	for fn := range e.tasks {
		fn()
	}
}

// post enqueues fn for execution. Posts after close are dropped.
func (e *executor) post(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.tasks <- fn
}

// run executes fn on the loop and waits for it. Must not be called from a
// task already running on the loop.
func (e *executor) run(fn func()) {
	ch := make(chan struct{})
	e.post(func() {
		defer close(ch)
		fn()
	})
	select {
	case <-ch:
	case <-e.done:
	}
}

// after schedules fn on the loop once d elapses. Stopping the returned
// timer before it fires cancels the task.
func (e *executor) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { e.post(fn) })
}

// close stops the loop after draining already queued tasks.
func (e *executor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()
	<-e.done
}
