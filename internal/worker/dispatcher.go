package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy is returned when the pending job limit is reached.
	ErrDispatcherBusy   = errors.New("dispatcher queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")

	errJobPanicked = errors.New("job panicked")
)

type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher runs jobs on a bounded worker pool, taking users in round-robin
// order so one user with many jobs cannot starve the others.
type Dispatcher struct {
	pool      *jobChannelPool
	jobQueue  chan Job
	queueSize int64
	pending   atomic.Int64
	logger    *zap.Logger

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // round-robin queue of user IDs
	positions map[int64]*list.Element

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		jobQueue:  make(chan Job, cfg.QueueSize),
		queueSize: int64(cfg.QueueSize),
		logger:    logger,
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.runJob)

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues fn for userID without waiting for it to run.
func (d *Dispatcher) Submit(ctx context.Context, userID int64, fn func(ctx context.Context)) error {
	if fn == nil {
		return errors.New("nil job")
	}
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	if d.pending.Add(1) > d.queueSize {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	// pending never exceeds the channel capacity, so this send cannot block
	d.jobQueue <- Job{UserID: userID, ctx: ctx, fn: fn}
	return nil
}

// Do runs fn on the pool and waits for its result, the caller's context, or
// shutdown, whichever comes first.
func (d *Dispatcher) Do(ctx context.Context, userID int64, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	err := d.Submit(ctx, userID, func(ctx context.Context) {
		err := errJobPanicked
		defer func() { result <- err }()
		err = fn(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrDispatcherClosed
	}
}

// Pending reports how many submitted jobs have not been handed to a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Workers reports the live worker count.
func (d *Dispatcher) Workers() int {
	running, _ := d.pool.size()
	return running
}

// Close stops accepting jobs, drops the ones still queued and waits for
// running jobs to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.drain()
		if !d.hasReady() {
			select {
			case job := <-d.jobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		ch, ok := d.pool.acquire()
		if !ok {
			return
		}
		// jobs that arrived while waiting for a worker get a fair turn
		d.drain()
		d.dispatchOne(ch)
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) hasReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready.Len() > 0
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// user already waiting for a turn
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne hands the next job of the user at the front of the ready list
// to the acquired worker.
func (d *Dispatcher) dispatchOne(worker chan Job) {
	d.mu.Lock()
	elem := d.ready.Front()
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	d.pending.Add(-1)
	d.logger.Debug("dispatch job", zap.Int64("user_id", userID))
	worker <- job
}

func (d *Dispatcher) runJob(job Job) {
	ctx := job.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		d.logger.Debug("skip cancelled job", zap.Int64("user_id", job.UserID))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked",
				zap.Int64("user_id", job.UserID),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
		}
	}()
	job.fn(ctx)
}
