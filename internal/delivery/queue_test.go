// ABOUTME: Tests for the webhook delivery queue and HTTP sender
// ABOUTME: Covers backpressure, bounded retries, concurrency limits, headers and circuit breaking

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxQueueSize:   100,
		Concurrency:    4,
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Millisecond,
		Timeout:        time.Second,
		PollInterval:   5 * time.Millisecond,
		UserAgent:      "hive-test",
	}
}

// funcSender adapts a function to Sender.
type funcSender func(ctx context.Context, job *Job) error

func (f funcSender) Send(ctx context.Context, job *Job) error { return f(ctx, job) }

func TestQueue_EnqueueNeverBlocksWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 2
	q := NewQueue(cfg, funcSender(func(context.Context, *Job) error { return nil }))

	// not started, so nothing drains
	assert.True(t, q.Enqueue("http://x", map[string]any{"n": 1}, "t1"))
	assert.True(t, q.Enqueue("http://x", map[string]any{"n": 2}, "t1"))

	done := make(chan bool)
	go func() { done <- q.Enqueue("http://x", map[string]any{"n": 3}, "t1") }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	m := q.Metrics()
	assert.Equal(t, uint64(1), m.Dropped)
	assert.Equal(t, uint64(2), m.Queued)
	assert.Equal(t, 2, m.QueueSize)
}

func TestQueue_DeliversJobs(t *testing.T) {
	var got sync.Map
	q := NewQueue(testConfig(), funcSender(func(_ context.Context, job *Job) error {
		got.Store(job.ID, job)
		return nil
	}))
	q.Start(context.Background())
	defer q.Close()

	for i := 0; i < 10; i++ {
		require.True(t, q.Enqueue("http://x", map[string]any{"event": "messages.upsert"}, "t1"))
	}

	require.Eventually(t, func() bool { return q.Metrics().Processed == 10 }, 2*time.Second, 5*time.Millisecond)
	m := q.Metrics()
	assert.Equal(t, 0, m.QueueSize)
	assert.Equal(t, 0, m.ActiveRequests)
	assert.Equal(t, uint64(0), m.Failed)

	got.Range(func(_, v any) bool {
		job := v.(*Job)
		assert.Equal(t, "messages.upsert", job.Event)
		assert.Equal(t, "t1", job.OwnerID)
		return true
	})
}

func TestQueue_AlwaysFailingTargetIsAttemptedMaxRetriesTimes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	q := NewQueue(cfg, NewHTTPSender(cfg))
	q.Start(context.Background())
	defer q.Close()

	require.True(t, q.Enqueue(srv.URL, map[string]any{"event": "connection.update"}, "t1"))

	require.Eventually(t, func() bool { return q.Metrics().Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	// give a hypothetical fourth attempt time to show up
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())

	m := q.Metrics()
	assert.Equal(t, uint64(0), m.Processed)
	assert.Equal(t, uint64(2), m.Retried)
	assert.Equal(t, 0, m.PendingRetries)
	assert.Equal(t, 0, m.QueueSize)
}

func TestQueue_RetrySucceeds(t *testing.T) {
	var attempts atomic.Int32
	q := NewQueue(testConfig(), funcSender(func(context.Context, *Job) error {
		if attempts.Add(1) < 2 {
			return errors.New("temporary")
		}
		return nil
	}))
	q.Start(context.Background())
	defer q.Close()

	require.True(t, q.Enqueue("http://x", []byte(`{}`), "t1"))
	require.Eventually(t, func() bool { return q.Metrics().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), q.Metrics().Failed)
}

func TestQueue_RetryJumpsAhead(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.RetryBaseDelay = 20 * time.Millisecond

	var mu sync.Mutex
	var order []string
	failedOnce := false
	release := make(chan struct{})

	q := NewQueue(cfg, funcSender(func(_ context.Context, job *Job) error {
		var p map[string]string
		_ = json.Unmarshal(job.Payload, &p)
		if p["name"] == "b" {
			<-release
		}
		mu.Lock()
		defer mu.Unlock()
		order = append(order, p["name"])
		if p["name"] == "a" && !failedOnce {
			failedOnce = true
			return errors.New("first attempt fails")
		}
		return nil
	}))
	q.Start(context.Background())
	defer q.Close()

	q.Enqueue("http://x", map[string]string{"name": "a"}, "t1")
	require.Eventually(t, func() bool { return q.Metrics().PendingRetries == 1 }, time.Second, time.Millisecond)

	// b occupies the only slot while a's retry timer expires, c waits behind it
	q.Enqueue("http://x", map[string]string{"name": "b"}, "t1")
	q.Enqueue("http://x", map[string]string{"name": "c"}, "t1")
	require.Eventually(t, func() bool { return q.Metrics().PendingRetries == 0 }, time.Second, time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return q.Metrics().Processed == 3 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "a", "c"}, order)
}

func TestQueue_ConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 3

	var current, peak atomic.Int32
	q := NewQueue(cfg, funcSender(func(context.Context, *Job) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	}))
	q.Start(context.Background())
	defer q.Close()

	for i := 0; i < 20; i++ {
		q.Enqueue("http://x", []byte(`{}`), "t1")
	}
	require.Eventually(t, func() bool { return q.Metrics().Processed == 20 }, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load(), "dispatcher should fill every slot")
}

func TestQueue_CloseWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	q := NewQueue(testConfig(), funcSender(func(context.Context, *Job) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	q.Start(context.Background())

	q.Enqueue("http://x", []byte(`{}`), "t1")
	<-started
	q.Close()

	assert.True(t, finished.Load())
	assert.False(t, q.Enqueue("http://x", []byte(`{}`), "t1"), "closed queue rejects jobs")
}

func TestHTTPSender_Headers(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTPSender(testConfig())
	err := s.Send(context.Background(), &Job{
		ID:        "job-1",
		TargetURL: srv.URL,
		Payload:   []byte(`{"event":"qrcode.updated"}`),
		Event:     "qrcode.updated",
		Attempts:  1,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "hive-test", got.Get("User-Agent"))
	assert.Equal(t, "job-1", got.Get("X-Hive-Delivery"))
	assert.Equal(t, "2", got.Get("X-Hive-Attempt"))
	assert.Equal(t, "qrcode.updated", got.Get("X-Hive-Event"))
	assert.JSONEq(t, `{"event":"qrcode.updated"}`, string(body))
}

func TestHTTPSender_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPSender(testConfig()).Send(context.Background(), &Job{TargetURL: srv.URL, Payload: []byte(`{}`)})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
}

func TestHTTPSender_BreakerOpensAfterThreshold(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTime: time.Minute}
	s := NewHTTPSender(cfg)
	job := &Job{TargetURL: srv.URL, Payload: []byte(`{}`)}

	for i := 0; i < 2; i++ {
		require.Error(t, s.Send(context.Background(), job))
	}
	err := s.Send(context.Background(), job)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the server")

	states := s.BreakerStates()
	assert.Len(t, states, 1)
	for _, st := range states {
		assert.Equal(t, "open", st)
	}
}
