package prefz

import "sync"

// Scheduler runs units of work on an execution context of its choosing.
// prefz uses one scheduler for store access and another for delivering
// values to observers.
type Scheduler interface {
	// Schedule queues task for execution. It returns ErrSchedulerClosed if
	// the scheduler no longer accepts work.
	Schedule(task func()) error
}

type immediate struct{}

func (immediate) Schedule(task func()) error {
	task()
	return nil
}

// Immediate runs every task inline on the calling goroutine. It is the
// default for both store access and delivery, which keeps tests
// deterministic.
var Immediate Scheduler = immediate{}

// SerialScheduler runs tasks one at a time, in submission order, on a
// single dedicated goroutine. Use it to pin store access to one sequential
// context when the underlying store is not safe for concurrent commits.
type SerialScheduler struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSerialScheduler starts a SerialScheduler. Call Close to stop it.
func NewSerialScheduler() *SerialScheduler {
	s := &SerialScheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule implements Scheduler.
func (s *SerialScheduler) Schedule(task func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting work, runs every task already queued and waits for
// the worker goroutine to exit. It is safe to call Close multiple times, but
// not from inside a task.
func (s *SerialScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

func (s *SerialScheduler) run() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		batch := s.tasks
		s.tasks = nil
		closed := s.closed
		s.mu.Unlock()

		for _, task := range batch {
			task()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-s.wake:
		case <-s.done:
		}
	}
}
