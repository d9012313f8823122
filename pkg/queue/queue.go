package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/types"
)

// ErrClosed is returned by Enqueue and Do once Close has been called.
var ErrClosed = errors.New("write queue is closed")

// Task is one storage mutation or query. The queue owns a task once it is
// enqueued.
type Task struct {
	// Op is a SQL statement or a named command understood by the Executor.
	Op   string
	Args []any
	// Callback, if set, is invoked on the worker goroutine with the result.
	// It must not block for long: it delays every task behind it.
	Callback func(Result)
}

// Result is the outcome of a task.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	LastInsertID int64
	Err          error
}

// Executor runs a single task, typically as one committed transaction.
type Executor interface {
	Execute(ctx context.Context, t Task) (Result, error)
}

// Observer is notified of queue depth changes and task outcomes.
type Observer interface {
	ObserveQueueDepth(depth int)
	ObserveTask(op string, d time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveQueueDepth(int) {}

func (noopObserver) ObserveTask(string, time.Duration, error) {}

// Option configures a Queue.
type Option func(*Queue)

// WithObserver sets the observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.obs = o
		}
	}
}

// Queue is an unbounded FIFO of tasks drained by exactly one worker, so
// tasks never run concurrently and run in the order they were accepted.
type Queue struct {
	exec Executor
	obs  Observer

	mu      sync.Mutex
	pending []Task
	closed  bool
	started bool

	wake chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
}

// New returns a queue that runs tasks with exec. Call Start to begin
// processing.
func New(exec Executor, opts ...Option) *Queue {
	if exec == nil {
		panic("queue: executor is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		exec:   exec,
		obs:    noopObserver{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start launches the worker. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.closed {
		return
	}
	q.started = true

	logrus.Debug("write queue worker started")
	go q.worker()
}

// Enqueue appends t to the queue. It never blocks.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, t)
	depth := len(q.pending)
	q.mu.Unlock()

	q.obs.ObserveQueueDepth(depth)
	q.signal()

	return nil
}

// Do enqueues t and waits for its result. Because it goes through the same
// FIFO, a query submitted with Do observes every write accepted before it.
func (q *Queue) Do(ctx context.Context, t Task) (Result, error) {
	ch := make(chan Result, 1)
	cb := t.Callback
	t.Callback = func(r Result) {
		if cb != nil {
			cb(r)
		}
		ch <- r
	}

	if err := q.Enqueue(t); err != nil {
		return Result{}, err
	}

	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() types.QueueStatus {
	return types.QueueStatus{
		Pending:   q.Len(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Close stops accepting tasks and waits until every accepted task has run.
// If ctx expires first, the context passed to the executor is canceled and
// ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.closed = true
	started := q.started
	dropped := len(q.pending)
	q.mu.Unlock()

	if !started {
		if dropped > 0 {
			logrus.WithField("dropped", dropped).Warn("write queue closed before it was started")
		}
		q.cancel()
		close(q.done)
		return nil
	}

	q.signal()

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		logrus.WithField("pending", q.Len()).Warn("write queue did not drain in time")
		return ctx.Err()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker() {
	defer close(q.done)

	for {
		t, ok := q.next()
		if !ok {
			logrus.Debug("write queue worker stopped")
			return
		}
		q.run(t)
	}
}

// next blocks until a task is available. It returns false once the queue
// is closed and empty.
func (q *Queue) next() (Task, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending[0] = Task{}
			q.pending = q.pending[1:]
			depth := len(q.pending)
			q.mu.Unlock()

			q.obs.ObserveQueueDepth(depth)
			return t, true
		}
		if q.closed {
			q.mu.Unlock()
			return Task{}, false
		}
		q.mu.Unlock()

		<-q.wake
	}
}

func (q *Queue) run(t Task) {
	start := time.Now()
	res := q.execute(t)
	elapsed := time.Since(start)

	if res.Err != nil {
		q.failed.Add(1)
		if t.Callback == nil {
			logrus.WithError(res.Err).WithField("op", t.Op).Error("write task failed")
		}
	} else {
		q.processed.Add(1)
	}
	q.obs.ObserveTask(t.Op, elapsed, res.Err)

	if t.Callback != nil {
		q.callback(t, res)
	}
}

func (q *Queue) execute(t Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: pkgerrors.Errorf("panic while executing task: %v", r)}
		}
	}()

	res, err := q.exec.Execute(q.ctx, t)
	if err != nil {
		res.Err = err
	}
	return res
}

func (q *Queue) callback(t Task, res Result) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("op", t.Op).Errorf("panic in task callback: %v", r)
		}
	}()
	t.Callback(res)
}
