package rabbitmq

import "sync"

// workerPool bounds the number of deliveries dispatched concurrently. The
// pool size is the blast-radius ceiling against downstream rate limits; the
// broker prefetch only bounds unacked deliveries, not in-flight work.
type workerPool struct {
	jobs     chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	wp := &workerPool{
		jobs:    make(chan func(), workers),
		stopped: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopped:
			return
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

// submit blocks until a worker is free or the pool stops. Blocking is the
// point: it applies backpressure to the consume loop.
func (wp *workerPool) submit(job func()) {
	select {
	case <-wp.stopped:
	case wp.jobs <- job:
	}
}

func (wp *workerPool) stop() {
	wp.stopOnce.Do(func() {
		close(wp.stopped)
	})
	wp.wg.Wait()
}
