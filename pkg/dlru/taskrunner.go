package dlru

import (
	"container/list"
	"sync"
)

// taskRunner is a single-worker FIFO background executor (C8) backed by
// an unbounded queue: submit only ever appends to a linked list and
// signals the worker, so it never blocks a caller on queue capacity or
// task completion (§4.7, §5 — client calls must never wait on the
// worker). At most one worker goroutine ever runs; submitted tasks
// execute in submission order. No panic or error may propagate out of
// the worker: callers that care about a task's outcome must log it
// themselves from inside the task.
type taskRunner struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	stopped bool
	done    chan struct{}
	onTask  func(error)
}

// newTaskRunner starts the worker goroutine. onTask, if non-nil, is
// called with a taskPanicError for every task that panics; a nil onTask
// discards them silently.
func newTaskRunner(onTask func(error)) *taskRunner {
	if onTask == nil {
		onTask = func(error) {}
	}

	tr := &taskRunner{
		queue:  list.New(),
		done:   make(chan struct{}),
		onTask: onTask,
	}
	tr.cond = sync.NewCond(&tr.mu)

	go tr.run()

	return tr
}

func (tr *taskRunner) run() {
	defer close(tr.done)

	for {
		task, ok := tr.next()
		if !ok {
			return
		}

		tr.runOne(task)
	}
}

// next blocks until a task is queued or the runner has been stopped with
// an empty queue, in which case it reports ok=false.
func (tr *taskRunner) next() (func(), bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for tr.queue.Len() == 0 && !tr.stopped {
		tr.cond.Wait()
	}

	if tr.queue.Len() == 0 {
		return nil, false
	}

	front := tr.queue.Front()
	tr.queue.Remove(front)

	return front.Value.(func()), true
}

// runOne executes a single task, recovering a panic into a logged error
// so the worker goroutine never dies.
func (tr *taskRunner) runOne(task func()) {
	defer func() {
		if r := recover(); r != nil {
			tr.onTask(taskPanicError{recovered: r})
		}
	}()

	task()
}

// submit enqueues task to run on the worker goroutine. Safe to call
// from any goroutine; the queue grows as needed, so submit never blocks
// the caller, including one holding Cache's own lock.
func (tr *taskRunner) submit(task func()) {
	tr.mu.Lock()
	tr.queue.PushBack(task)
	tr.mu.Unlock()

	tr.cond.Signal()
}

// stop marks the queue closed and waits for the worker to drain any
// remaining tasks and exit. After stop returns, submit must not be
// called again.
func (tr *taskRunner) stop() {
	tr.mu.Lock()
	tr.stopped = true
	tr.mu.Unlock()

	tr.cond.Signal()

	<-tr.done
}

type taskPanicError struct {
	recovered any
}

func (e taskPanicError) Error() string {
	return "background task panicked"
}
