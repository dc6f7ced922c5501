package sandbox

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kvmbox/kvmbox/pkg/numa"
)

// worker is a single-thread executor. Every VM is bound to one: boot,
// fork, reset and storage calls all run on it, because vCPU file
// descriptors are thread-affine and migrating them across cores costs
// KVM dearly.
type worker struct {
	jobs chan func()
	done chan struct{}
	tid  atomic.Int64
}

// newWorker starts the worker goroutine, locked to an OS thread and
// pinned to the given CPU (-1 skips pinning).
func newWorker(cpu int) *worker {
	w := &worker{jobs: make(chan func(), 16), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		numa.PinThread(cpu)
		// The thread is locked: its tid identifies this worker, which
		// lets call() detect reentrant submissions.
		w.tid.Store(int64(unix.Gettid()))
		for fn := range w.jobs {
			fn()
		}
	}()
	return w
}

// submit queues fn and returns a future for its error.
func (w *worker) submit(fn func() error) <-chan error {
	ch := make(chan error, 1)
	w.jobs <- func() {
		ch <- runRecover(fn)
	}
	return ch
}

// call runs fn on the worker and waits for it. A call issued from the
// worker's own thread (a guest syscall re-entering the executor) runs
// inline instead of deadlocking on its own queue.
func (w *worker) call(fn func() error) error {
	if tid := w.tid.Load(); tid != 0 && tid == int64(unix.Gettid()) {
		return runRecover(fn)
	}
	return <-w.submit(fn)
}

// close stops the worker after draining queued jobs, and waits for the
// drain to finish.
func (w *worker) close() {
	close(w.jobs)
	<-w.done
}

func runRecover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn()
}

// threadCPUTime returns the calling thread's consumed CPU time. Valid
// on worker threads, which are locked to their OS thread.
func threadCPUTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
