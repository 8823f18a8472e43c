package queue

// task is one job run on the pool.
type task func()

// pool is a bounded set of goroutines that are started on demand and kept
// alive to pick up further tasks.
type pool struct {
	// Work queue.
	work chan task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
}

func newPool(numWorkers int) *pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &pool{
		work: make(chan task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}, numWorkers),
	}
}

// schedule blocks until a worker accepts t or a new worker can be started.
func (p *pool) schedule(t task) {
	select {
	case p.work <- t:
	case p.sem <- struct{}{}:
		go p.worker(t)
	}
}

// close signals every running worker to exit after its current task.
func (p *pool) close() {
	for i := 0; i < cap(p.sem); i++ {
		p.stop <- struct{}{}
	}
}

func (p *pool) worker(t task) {
	defer func() { <-p.sem }()
	for {
		t()
		select {
		case t = <-p.work:
		case <-p.stop:
			return
		}
	}
}
