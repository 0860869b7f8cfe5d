package csp

import (
	"sync"

	"github.com/rs/zerolog"

	"authgate/gateway-service/internal/metrics"
)

// Task asks the merge worker to add one origin to one directive of the
// policy document at File. A task is consumed exactly once and discarded.
type Task struct {
	File      string
	Directive string
	Origin    string
}

// Queue serializes all read-modify-write cycles against the policy document
// through a single dedicated worker goroutine draining a bounded channel.
// Tasks are processed strictly in submission order and each read observes
// the effects of all prior writes; that at-most-one in-flight merge is the
// component's core correctness property. No other code path may write the
// document.
type Queue struct {
	tasks  chan Task
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger
}

// NewQueue constructs a queue with the given capacity and starts its worker.
func NewQueue(size int, logger zerolog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{
		tasks:  make(chan Task, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.run()
	return q
}

// Submit enqueues a task without blocking. On sustained backlog the task is
// dropped and logged rather than stalling the caller: violation reports
// naturally repeat, so re-delivery is not required. Returns false on drop.
// Submits racing or following Close drop the same way.
func (q *Queue) Submit(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.MergeTasks.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case q.tasks <- t:
		metrics.MergeQueueDepth.Inc()
		return true
	default:
		metrics.MergeTasks.WithLabelValues("dropped").Inc()
		q.logger.Warn().
			Str("directive", t.Directive).
			Str("origin", t.Origin).
			Msg("merge queue full, dropping task")
		return false
	}
}

// Close stops intake and blocks until all pending tasks have been
// processed. Safe to call more than once and concurrently with Submit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for t := range q.tasks {
		metrics.MergeQueueDepth.Dec()
		q.process(t)
	}
}

// process performs one full read-modify-write cycle. Failures are logged and
// the task dropped; the next task proceeds regardless. There is no retry.
func (q *Queue) process(t Task) {
	store := FileStore{Path: t.File}
	p, err := store.Load()
	if err != nil {
		metrics.MergeTasks.WithLabelValues("failed").Inc()
		q.logger.Error().Err(err).Str("file", t.File).Msg("merge read failed, dropping task")
		return
	}
	if !p.Add(t.Directive, t.Origin) {
		metrics.MergeTasks.WithLabelValues("duplicate").Inc()
		q.logger.Debug().
			Str("directive", t.Directive).
			Str("origin", t.Origin).
			Msg("origin already present")
		return
	}
	if err := store.Save(p); err != nil {
		metrics.MergeTasks.WithLabelValues("failed").Inc()
		q.logger.Error().Err(err).Str("file", t.File).Msg("merge write failed, dropping task")
		return
	}
	metrics.MergeTasks.WithLabelValues("merged").Inc()
	q.logger.Info().
		Str("directive", t.Directive).
		Str("origin", t.Origin).
		Msg("policy directive updated")
}
