package serializer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of serialized work. It must call complete exactly once when
// it is done; the next task for the same key does not start until then.
type Task func(complete func())

// ErrClosed indicates the serializer no longer accepts work.
var ErrClosed = errors.New("serializer closed")

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the logger used for stall warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Serializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStallTimeout releases a queue whose running task has not completed after d.
// Zero keeps the queue blocked until the task completes.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Serializer) {
		s.stallTimeout = d
	}
}

// Serializer runs tasks one at a time per key in FIFO order.
type Serializer struct {
	logger       *slog.Logger
	stallTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

type queue struct {
	tasks   []Task
	running bool
}

// New constructs an empty Serializer.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		logger: slog.Default(),
		queues: make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends task to the queue named key. It is safe to call from inside a
// running task.
func (s *Serializer) Enqueue(key string, task Task) error {
	if task == nil {
		return errors.New("serializer: task must not be nil")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	q, ok := s.queues[key]
	if !ok {
		q = &queue{}
		s.queues[key] = q
	}
	q.tasks = append(q.tasks, task)
	start := !q.running
	if start {
		q.running = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drain(key, q)
	}
	return nil
}

// Pending returns the number of tasks waiting or running for key.
func (s *Serializer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return 0
	}
	n := len(q.tasks)
	if q.running {
		n++
	}
	return n
}

// Shutdown stops accepting work and waits for queued tasks to finish.
func (s *Serializer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Serializer) drain(key string, q *queue) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		s.mu.Unlock()

		s.run(key, task)
	}
}

func (s *Serializer) run(key string, task Task) {
	done := make(chan struct{})
	var once sync.Once
	complete := func() { once.Do(func() { close(done) }) }

	go task(complete)

	if s.stallTimeout <= 0 {
		<-done
		return
	}

	timer := time.NewTimer(s.stallTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("serialized task stalled, releasing queue", "queue", key, "timeout", s.stallTimeout)
	}
}
