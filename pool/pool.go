package pool

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Call once the pool has been cancelled.
var ErrClosed = errors.New("pool is closed")

// Job is one unit of sensor-handler work.
type Job func() error

// Pool runs jobs on a fixed set of workers, so one slow device callback never
// stalls its siblings. Call hands the job to an idle worker; it blocks only
// while every worker is busy.
type Pool struct {
	workers  chan chan Job
	quit     chan struct{}
	stopOnce sync.Once
}

func NewPool(count int) *Pool {
	p := &Pool{
		workers: make(chan chan Job),
		quit:    make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	jobs := make(chan Job)
	for {
		select {
		case <-p.quit:
			return
		case p.workers <- jobs:
		}
		select {
		case <-p.quit:
			return
		case job := <-jobs:
			job()
		}
	}
}

func (p *Pool) Call(job Job) error {
	select {
	case <-p.quit:
		return ErrClosed
	case worker := <-p.workers:
		worker <- job
		return nil
	}
}

func (p *Pool) Cancel() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
}
