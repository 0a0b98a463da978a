// ABOUTME: Bounded webhook delivery queue with a concurrency-limited dispatcher
// ABOUTME: Retries failed jobs at the front of the queue with linear backoff

package delivery

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config controls queue capacity, concurrency and retry policy.
type Config struct {
	MaxQueueSize   int
	Concurrency    int
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	PollInterval   time.Duration
	UserAgent      string
	Breaker        BreakerConfig
}

// DefaultConfig returns the default delivery settings.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:   10000,
		Concurrency:    10,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		Timeout:        10 * time.Second,
		PollInterval:   100 * time.Millisecond,
		UserAgent:      "hive-gateway/1.0",
	}
}

// Job is one notification to deliver. The queue owns a job from Enqueue
// until it is delivered or dropped.
type Job struct {
	ID         string
	TargetURL  string
	Payload    []byte
	OwnerID    string
	Event      string
	Attempts   int
	EnqueuedAt time.Time
}

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, job *Job) error
}

// Metrics is a snapshot of queue counters.
type Metrics struct {
	Processed      uint64 `json:"processed"`
	Failed         uint64 `json:"failed"`
	Queued         uint64 `json:"queued"`
	Dropped        uint64 `json:"dropped"`
	Retried        uint64 `json:"retried"`
	QueueSize      int    `json:"queueSize"`
	ActiveRequests int    `json:"activeRequests"`
	PendingRetries int    `json:"pendingRetries"`
}

// Queue is a bounded FIFO of delivery jobs.
type Queue struct {
	cfg    Config
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	jobs    *list.List // *Job, next to dispatch at front
	active  int
	retries map[string]*time.Timer
	closed  bool

	processed uint64
	failed    uint64
	queued    uint64
	dropped   uint64
	retried   uint64

	wake     chan struct{}
	inflight sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewQueue creates a queue that delivers through sender. Call Start to begin
// dispatching.
func NewQueue(cfg Config, sender Sender) *Queue {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Queue{
		cfg:     cfg,
		sender:  sender,
		logger:  slog.Default().With("component", "delivery"),
		jobs:    list.New(),
		retries: make(map[string]*time.Timer),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a notification for url. payload is marshalled to JSON unless
// it already is a []byte or json.RawMessage. It returns false without
// blocking when the queue is full or closed.
func (q *Queue) Enqueue(url string, payload any, ownerID string) bool {
	body, err := encodePayload(payload)
	if err != nil {
		q.logger.Error("dropping undeliverable payload", "owner", ownerID, "error", err)
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		return false
	}

	job := &Job{
		ID:         uuid.NewString(),
		TargetURL:  url,
		Payload:    body,
		OwnerID:    ownerID,
		Event:      eventName(payload),
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed || q.jobs.Len() >= q.cfg.MaxQueueSize {
		q.dropped++
		size := q.jobs.Len()
		q.mu.Unlock()
		q.logger.Warn("delivery queue full, dropping job", "owner", ownerID, "queue_size", size)
		return false
	}
	q.jobs.PushBack(job)
	q.queued++
	q.mu.Unlock()

	q.signal()
	return true
}

// Start launches the dispatcher loop. It stops when ctx is done or Close is
// called.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.done = make(chan struct{})
	done := q.done
	q.mu.Unlock()

	go func() {
		defer close(done)
		q.run(ctx)
	}()
}

// Close stops dispatching, cancels scheduled retries and waits for in-flight
// deliveries to finish. Jobs still queued are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel, done := q.cancel, q.done
	for id, t := range q.retries {
		t.Stop()
		delete(q.retries, id)
	}
	remaining := q.jobs.Len()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	q.inflight.Wait()

	if remaining > 0 {
		q.logger.Warn("delivery queue closed with undelivered jobs", "count", remaining)
	}
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Processed:      q.processed,
		Failed:         q.failed,
		Queued:         q.queued,
		Dropped:        q.dropped,
		Retried:        q.retried,
		QueueSize:      q.jobs.Len(),
		ActiveRequests: q.active,
		PendingRetries: len(q.retries),
	}
}

func (q *Queue) run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts as many queued jobs as the concurrency limit allows without
// waiting for any of them.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.active < q.cfg.Concurrency {
		front := q.jobs.Front()
		if front == nil {
			return
		}
		job, _ := q.jobs.Remove(front).(*Job)
		q.active++
		q.inflight.Add(1)
		go q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	defer q.inflight.Done()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.Timeout)
	err := q.sender.Send(sendCtx, job)
	cancel()

	q.mu.Lock()
	q.active--
	if err == nil {
		q.processed++
		q.mu.Unlock()
		q.logger.Debug("delivered", "job", job.ID, "owner", job.OwnerID, "event", job.Event, "attempt", job.Attempts+1)
		q.signal()
		return
	}

	job.Attempts++
	if job.Attempts >= q.cfg.MaxRetries || q.closed {
		q.failed++
		q.mu.Unlock()
		q.logger.Warn("delivery failed permanently",
			"job", job.ID, "owner", job.OwnerID, "event", job.Event,
			"attempts", job.Attempts, "error", err)
		q.signal()
		return
	}

	delay := q.cfg.RetryBaseDelay * time.Duration(job.Attempts)
	q.retried++
	q.retries[job.ID] = time.AfterFunc(delay, func() { q.requeue(job) })
	q.mu.Unlock()

	q.logger.Info("delivery failed, retrying",
		"job", job.ID, "owner", job.OwnerID, "attempt", job.Attempts,
		"retry_in", delay, "error", err)
	q.signal()
}

// requeue puts a retried job back at the front of the queue.
func (q *Queue) requeue(job *Job) {
	q.mu.Lock()
	if _, ok := q.retries[job.ID]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.retries, job.ID)
	if q.closed || q.jobs.Len() >= q.cfg.MaxQueueSize {
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("delivery queue full, dropping retry", "job", job.ID, "owner", job.OwnerID)
		return
	}
	q.jobs.PushFront(job)
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return body, nil
}

// eventNamer is implemented by payloads that know their event type.
type eventNamer interface {
	EventName() string
}

func eventName(payload any) string {
	if n, ok := payload.(eventNamer); ok {
		return n.EventName()
	}
	if m, ok := payload.(map[string]any); ok {
		if s, ok := m["event"].(string); ok {
			return s
		}
	}
	return ""
}
