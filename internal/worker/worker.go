package worker

import "context"

// Job is one unit of work owned by a user. Jobs of the same user run in
// submission order; different users take turns.
type Job struct {
	UserID int64
	ctx    context.Context
	fn     func(ctx context.Context)
	stop   bool
}

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

// start parks the worker in the idle list, runs whatever it is handed and
// parks again, until it receives a stop job or the pool closes.
func (w *Worker) start() {
	go func() {
		defer w.pool.wg.Done()
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.stop {
				return
			}
			w.pool.run(job)
		}
	}()
}
