package delivery

import (
	"context"
	"sync"
	"time"
)

// stopper is the part of *time.Timer the scheduler needs.
type stopper interface {
	Stop() bool
}

type afterFunc func(delay time.Duration, fire func()) stopper

func realAfterFunc(delay time.Duration, fire func()) stopper {
	return time.AfterFunc(delay, fire)
}

// retryScheduler holds attempts until their delay elapses and then hands them to a fixed pool of
// workers. stop cancels the pool and forgets every attempt that has not fired.
type retryScheduler struct {
	after   afterFunc
	run     func(ctx context.Context, attempt *Attempt)
	queue   chan *Attempt
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[*Attempt]stopper
}

func newRetryScheduler(workerCount int, after afterFunc, run func(context.Context, *Attempt)) *retryScheduler {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	scheduler := &retryScheduler{
		after:   after,
		run:     run,
		queue:   make(chan *Attempt),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[*Attempt]stopper),
	}
	for i := 0; i < workerCount; i++ {
		scheduler.workers.Add(1)
		go scheduler.work()
	}
	return scheduler
}

func (s *retryScheduler) work() {
	defer s.workers.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case attempt := <-s.queue:
			s.run(s.ctx, attempt)
		}
	}
}

// schedule arms a timer for attempt. It reports false once the scheduler is stopped.
func (s *retryScheduler) schedule(delay time.Duration, attempt *Attempt) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[attempt] = s.after(delay, func() { s.fire(attempt) })
	return true
}

func (s *retryScheduler) fire(attempt *Attempt) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, attempt)
	s.mu.Unlock()

	select {
	case s.queue <- attempt:
	case <-s.ctx.Done():
	}
}

// pendingCount returns the number of armed timers.
func (s *retryScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// stop returns the number of attempts dropped before they fired.
func (s *retryScheduler) stop() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	for _, timer := range pending {
		timer.Stop()
	}
	s.workers.Wait()
	return len(pending)
}
