// Package asyncbridge lets a single-threaded dispatcher run blocking storage
// calls on a worker pool and receive their completions as channel events.
package asyncbridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull       = errors.New("async bridge queue is full")
	ErrClosed          = errors.New("async bridge is closed")
	ErrIllegalArgument = errors.New("illegal task")
	ErrTaskPanicked    = errors.New("task panicked")
)

// Config sizes the worker pool.
type Config struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Task is a unit of blocking work. Exec runs on a worker; OnComplete runs on
// the dispatcher goroutine when it hands the completion back via Dispatch.
type Task struct {
	Tag        string
	Exec       func() error
	OnComplete func(err error)
}

// Completion reports the outcome of one task.
type Completion struct {
	Tag      string
	Err      error
	Duration time.Duration
	task     *Task
}

// Bridge is a bounded task queue serviced by a fixed worker pool.
type Bridge struct {
	tasks       chan *Task
	completions chan Completion
	done        chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	pending   atomic.Int64
	wg        sync.WaitGroup

	logger *zap.Logger
}

// New starts cfg.Workers workers.
func New(cfg Config, logger *zap.Logger) *Bridge {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	b := &Bridge{
		tasks:       make(chan *Task, cfg.QueueSize),
		completions: make(chan Completion, cfg.QueueSize+cfg.Workers),
		done:        make(chan struct{}),
		logger:      logger.Named("async_bridge"),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	b.logger.Info("Async bridge started", zap.Int("workers", cfg.Workers), zap.Int("queueSize", cfg.QueueSize))
	return b
}

// Submit enqueues t. With blocking=false a saturated queue fails fast with
// ErrQueueFull, which is retryable. The goroutine that drains Completions
// must not submit with blocking=true.
func (b *Bridge) Submit(t *Task, blocking bool) error {
	if t == nil || t.Exec == nil {
		return fmt.Errorf("%w: task has nothing to execute", ErrIllegalArgument)
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.pending.Add(1)
	if blocking {
		select {
		case b.tasks <- t:
			return nil
		case <-b.done:
			b.pending.Add(-1)
			return ErrClosed
		}
	}
	select {
	case b.tasks <- t:
		return nil
	default:
		b.pending.Add(-1)
		return ErrQueueFull
	}
}

// Completions is the notification channel the dispatcher polls.
func (b *Bridge) Completions() <-chan Completion { return b.completions }

// Dispatch runs the completion callback of c. It must be called on the
// dispatcher goroutine, exactly once per received completion.
func (b *Bridge) Dispatch(c Completion) {
	b.pending.Add(-1)
	if c.task != nil && c.task.OnComplete != nil {
		c.task.OnComplete(c.Err)
	}
}

// Pending counts tasks submitted but not yet dispatched.
func (b *Bridge) Pending() int { return int(b.pending.Load()) }

// QueueDepth counts tasks waiting for a worker.
func (b *Bridge) QueueDepth() int { return len(b.tasks) }

func (b *Bridge) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case t := <-b.tasks:
			start := time.Now()
			err := b.run(t)
			c := Completion{Tag: t.Tag, Err: err, Duration: time.Since(start), task: t}
			select {
			case b.completions <- c:
			case <-b.done:
				return
			}
		}
	}
}

func (b *Bridge) run(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Task panicked", zap.String("tag", t.Tag), zap.Any("panic", r))
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.Exec()
}

// Close stops the workers. Queued tasks that did not start are dropped.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		b.wg.Wait()
		if n := len(b.tasks); n > 0 {
			b.logger.Warn("Dropped queued tasks on close", zap.Int("count", n))
		}
		b.logger.Info("Async bridge stopped")
	})
}
