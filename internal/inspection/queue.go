package inspection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Submit after Shutdown.
var ErrQueueClosed = errors.New("queue is shut down")

// Ack acknowledges a submission. QueueDepth is the number of jobs waiting
// to start once this one is queued; 0 means it started at once.
type Ack struct {
	JobID      string `json:"job_id"`
	QueueDepth int    `json:"queue_depth"`
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Depth   int    `json:"queue_depth"`
	Busy    bool   `json:"busy"`
	Current string `json:"current_job_id,omitempty"`
}

// QueueManager runs submitted jobs one at a time in strict FIFO order. Each
// run happens on its own goroutine; the next job starts only after the
// previous Run has returned, whatever its outcome. Jobs are never retried.
type QueueManager struct {
	runner Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []Descriptor
	busy    bool
	current string
	closed  bool
	// idle is closed whenever nothing is running and nothing can start.
	idle       chan struct{}
	idleClosed bool
}

// NewQueueManager returns an idle queue dispatching to runner.
func NewQueueManager(runner Runner, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &QueueManager{
		runner:     runner,
		logger:     logger.With("component", "queue"),
		ctx:        ctx,
		cancel:     cancel,
		idle:       idle,
		idleClosed: true,
	}
}

// Submit appends d and starts it at once when the queue is idle. It never
// blocks on pipeline work.
func (q *QueueManager) Submit(d Descriptor) (Ack, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Ack{}, fmt.Errorf("submit %s: %w", d.JobID, ErrQueueClosed)
	}
	q.pending = append(q.pending, d)
	if !q.busy {
		q.startNextLocked()
	}
	depth := len(q.pending)
	q.logger.Info("job submitted", "job_id", d.JobID, "queue_depth", depth)
	return Ack{JobID: d.JobID, QueueDepth: depth}, nil
}

// startNextLocked pops the head and runs it, or marks the queue idle.
func (q *QueueManager) startNextLocked() {
	if q.closed || len(q.pending) == 0 {
		q.busy = false
		q.current = ""
		if !q.idleClosed {
			close(q.idle)
			q.idleClosed = true
		}
		return
	}

	d := q.pending[0]
	q.pending[0] = Descriptor{}
	q.pending = q.pending[1:]
	q.busy = true
	q.current = d.JobID
	if q.idleClosed {
		q.idle = make(chan struct{})
		q.idleClosed = false
	}
	go q.run(d)
}

func (q *QueueManager) run(d Descriptor) {
	start := time.Now()
	log := q.logger.With("job_id", d.JobID)
	log.Info("job started")

	err := q.execute(d)
	if err != nil {
		log.Info("job finished", "outcome", "failed", "elapsed", time.Since(start))
	} else {
		log.Info("job finished", "outcome", "completed", "elapsed", time.Since(start))
	}

	q.mu.Lock()
	q.startNextLocked()
	q.mu.Unlock()
}

// execute shields the queue from a panicking runner.
func (q *QueueManager) execute(d Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("runner panicked", "job_id", d.JobID, "panic", r)
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return q.runner.Run(q.ctx, d)
}

// Size returns the number of queued jobs, not counting the one in flight.
func (q *QueueManager) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a job is in flight.
func (q *QueueManager) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Contains reports whether id is queued or in flight.
func (q *QueueManager) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.busy && q.current == id {
		return true
	}
	for _, d := range q.pending {
		if d.JobID == id {
			return true
		}
	}
	return false
}

func (q *QueueManager) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Depth: len(q.pending), Busy: q.busy, Current: q.current}
}

func (q *QueueManager) idleChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Wait blocks until no job is running and none is waiting to start.
func (q *QueueManager) Wait() {
	for {
		ch := q.idleChan()
		<-ch
		// A Submit may have restarted the queue between the close and now.
		if q.idleChan() == ch {
			return
		}
	}
}

// Shutdown stops admission, drops jobs that have not started and cancels
// the context of the one in flight, which observes it at its next stage
// boundary. It waits for that run to return or for ctx to end. Dropped jobs
// stay queued in the record store and are picked up by Recover on the next
// start.
func (q *QueueManager) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		if n := len(q.pending); n > 0 {
			q.logger.Info("queue shutting down", "dropped", n)
		}
		q.pending = nil
		if !q.busy {
			q.startNextLocked()
		}
	}
	idle := q.idle
	q.mu.Unlock()

	q.cancel()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
