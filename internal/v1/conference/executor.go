package conference

import (
	"errors"
	"sync"
)

// Executor posting errors.
var (
	ErrExecutorClosed = errors.New("conference executor closed")
	ErrExecutorBusy   = errors.New("conference executor queue full")
)

const executorQueueDepth = 512

// executor serializes one conference's event handling: a single goroutine
// drains a FIFO task queue, so state touched only from tasks needs no lock.
type executor struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		tasks: make(chan func(), executorQueueDepth),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.done)
	for task := range e.tasks {
		task()
	}
}

// post enqueues a task. It never blocks: a full queue means the conference
// is not keeping up and the event is dropped with ErrExecutorBusy.
func (e *executor) post(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.tasks <- task:
		return nil
	default:
		return ErrExecutorBusy
	}
}

// close stops accepting tasks; already-queued tasks still run. It does not
// wait, so it is safe to call from a task. Safe to call more than once.
func (e *executor) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.tasks)
}

// wait blocks until the queue has drained after close. Must not be called
// from a task.
func (e *executor) wait() {
	<-e.done
}
