// ABOUTME: Throttled, coalescing metadata writer sitting in front of a MetadataStore
// ABOUTME: Merges pending patches per instance and writes at most once per window unless forced

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Writer throttles metadata writes per instance. A Save that arrives within
// the throttle window of the previous write is merged into a pending patch
// and written when the window ends, so updates are delayed but never lost.
// Forced saves and saves carrying a critical status are written immediately,
// together with anything pending.
type Writer struct {
	store    MetadataStore
	window   time.Duration
	critical map[string]bool
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*writeState
	closed bool
}

type writeState struct {
	// writeMu orders the actual store writes of one instance.
	writeMu sync.Mutex

	lastSaved  time.Time
	pending    Patch
	hasPending bool
	timer      *time.Timer
}

// NewWriter creates a Writer. Saves whose Status is in critical bypass the
// throttle.
func NewWriter(s MetadataStore, window time.Duration, critical ...string) *Writer {
	crit := make(map[string]bool, len(critical))
	for _, st := range critical {
		crit[st] = true
	}
	return &Writer{
		store:    s,
		window:   window,
		critical: crit,
		logger:   slog.Default().With("component", "writer"),
		now:      time.Now,
		states:   make(map[string]*writeState),
	}
}

// Save records patch for id. The write happens now when force is set, when
// the patch carries a critical status, or when the window since the last
// write has passed; otherwise a flush is scheduled for the end of the window.
// A failed write keeps its fields pending for the next attempt.
func (w *Writer) Save(ctx context.Context, id string, patch Patch, force bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.write(ctx, id, patch)
	}
	st := w.stateLocked(id)
	st.pending.Merge(patch)
	st.hasPending = true

	immediate := force || w.isCritical(patch) || w.now().Sub(st.lastSaved) >= w.window
	if !immediate {
		if st.timer == nil {
			delay := st.lastSaved.Add(w.window).Sub(w.now())
			st.timer = time.AfterFunc(delay, func() { w.flushScheduled(id, st) })
		}
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	return w.flushState(ctx, id, st)
}

// Flush writes every pending patch now. Used on shutdown.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	states := make(map[string]*writeState, len(w.states))
	for id, st := range w.states {
		states[id] = st
	}
	w.mu.Unlock()

	var errs []error
	for id, st := range states {
		if err := w.flushState(ctx, id, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops pending state for id and cancels its scheduled flush. It
// waits for an in-flight write of id to finish, so the caller can delete the
// record afterwards without it being resurrected.
func (w *Writer) Discard(id string) {
	w.mu.Lock()
	st, ok := w.states[id]
	if ok {
		delete(w.states, id)
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = Patch{}
		st.hasPending = false
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	// wait out an in-flight write
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
}

// Close flushes everything pending and makes later saves write through.
func (w *Writer) Close(ctx context.Context) error {
	err := w.Flush(ctx)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}

// Pending reports whether id has fields waiting to be written.
func (w *Writer) Pending(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[id]
	return ok && st.hasPending
}

func (w *Writer) stateLocked(id string) *writeState {
	st, ok := w.states[id]
	if !ok {
		st = &writeState{}
		w.states[id] = st
	}
	return st
}

func (w *Writer) isCritical(p Patch) bool {
	return p.Status != nil && w.critical[*p.Status]
}

// flushState takes whatever is pending for st and writes it.
func (w *Writer) flushState(ctx context.Context, id string, st *writeState) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	w.mu.Lock()
	if w.states[id] != st || !st.hasPending {
		w.mu.Unlock()
		return nil
	}
	patch := st.pending
	st.pending = Patch{}
	st.hasPending = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.lastSaved = w.now()
	w.mu.Unlock()

	if err := w.write(ctx, id, patch); err != nil {
		w.mu.Lock()
		if w.states[id] == st {
			// newer pending fields win over the failed ones
			patch.Merge(st.pending)
			st.pending = patch
			st.hasPending = true
			if st.timer == nil && !w.closed {
				st.timer = time.AfterFunc(max(w.window, time.Second), func() { w.flushScheduled(id, st) })
			}
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

func (w *Writer) flushScheduled(id string, st *writeState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.flushState(ctx, id, st); err != nil {
		w.logger.Warn("scheduled metadata write failed", "instance", id, "error", err)
	}
}

func (w *Writer) write(ctx context.Context, id string, patch Patch) error {
	if _, err := w.store.MergeMetadata(ctx, id, patch); err != nil {
		return fmt.Errorf("saving metadata for %s: %w", id, err)
	}
	return nil
}
