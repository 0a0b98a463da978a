// ABOUTME: HTTP webhook sender with per-host circuit breakers
// ABOUTME: POSTs job payloads as JSON and classifies non-2xx responses as failures

package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker for a target host is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig controls the per-host circuit breaker.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTime     time.Duration
}

// StatusError reports a non-2xx response from a subscriber.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("subscriber responded with status %d", e.Code)
}

// HTTPSender delivers jobs with HTTP POST.
type HTTPSender struct {
	client    *http.Client
	userAgent string
	breaker   BreakerConfig
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPSender creates a sender. The request timeout comes from the
// context the queue passes to Send.
func NewHTTPSender(cfg Config) *HTTPSender {
	return &HTTPSender{
		client:    &http.Client{},
		userAgent: cfg.UserAgent,
		breaker:   cfg.Breaker,
		logger:    slog.Default().With("component", "delivery"),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Send POSTs the job payload to its target URL.
func (s *HTTPSender) Send(ctx context.Context, job *Job) error {
	if !s.breaker.Enabled {
		return s.post(ctx, job)
	}

	cb, err := s.breakerFor(job.TargetURL)
	if err != nil {
		return err
	}
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, job)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w for %s: %v", ErrCircuitOpen, cb.Name(), err)
	}
	return err
}

// BreakerStates returns the state of every known host breaker.
func (s *HTTPSender) BreakerStates() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.breakers))
	for host, cb := range s.breakers {
		out[host] = cb.State().String()
	}
	return out
}

func (s *HTTPSender) post(ctx context.Context, job *Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("X-Hive-Delivery", job.ID)
	req.Header.Set("X-Hive-Attempt", strconv.Itoa(job.Attempts+1))
	if job.Event != "" {
		req.Header.Set("X-Hive-Event", job.Event)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to subscriber: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (s *HTTPSender) breakerFor(target string) (*gobreaker.CircuitBreaker, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing target url: %w", err)
	}
	host := u.Host

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb, nil
	}

	threshold := uint32(max(s.breaker.FailureThreshold, 1))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     s.breaker.RecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("subscriber breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	s.breakers[host] = cb
	return cb, nil
}
