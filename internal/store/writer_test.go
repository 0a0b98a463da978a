// ABOUTME: Tests for the throttled metadata writer
// ABOUTME: Covers critical bypass, coalescing, scheduled flush, failure re-merge and discard

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps MemoryStore, counting writes and failing on demand.
type countingStore struct {
	*MemoryStore
	mu     sync.Mutex
	writes int
	fail   error
}

func (c *countingStore) MergeMetadata(ctx context.Context, id string, p Patch) (*Metadata, error) {
	c.mu.Lock()
	c.writes++
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return c.MemoryStore.MergeMetadata(ctx, id, p)
}

func (c *countingStore) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *countingStore) SetFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func TestWriter_FirstSaveWritesImmediately(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, time.Hour)

	require.NoError(t, w.Save(context.Background(), "t1", Patch{Status: Ptr("connecting")}, false))
	assert.Equal(t, 1, s.Writes())
}

func TestWriter_ThrottlesAndCoalesces(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("connecting")}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{RetryCount: Ptr(2)}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("reconnecting")}, false))

	assert.Equal(t, 1, s.Writes(), "saves inside the window are held back")
	assert.True(t, w.Pending("t1"))

	require.Eventually(t, func() bool { return !w.Pending("t1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.Writes(), "held saves are coalesced into one write")

	m, err := s.GetMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "reconnecting", m.Status)
	assert.Equal(t, 2, m.RetryCount)
}

func TestWriter_CriticalStatusBypassesThrottle(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, time.Hour, "connected", "logged_out")
	ctx := context.Background()

	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("connecting")}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{RetryCount: Ptr(3)}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("connected"), RetryCount: Ptr(0)}, false))

	assert.Equal(t, 2, s.Writes())
	assert.False(t, w.Pending("t1"))

	m, err := s.GetMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "connected", m.Status)
	assert.Equal(t, 0, m.RetryCount)
}

func TestWriter_ForceCarriesPendingFields(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, time.Hour)
	ctx := context.Background()

	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("connecting")}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{LastReason: Ptr("timed_out")}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{RetryCount: Ptr(1)}, true))

	m, err := s.GetMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "timed_out", m.LastReason)
	assert.Equal(t, 1, m.RetryCount)
}

func TestWriter_FailedWriteIsRetriedWithNextSave(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, time.Hour)
	ctx := context.Background()

	s.SetFail(errors.New("disk full"))
	err := w.Save(ctx, "t1", Patch{Status: Ptr("connecting"), RetryCount: Ptr(4)}, true)
	require.Error(t, err)
	assert.True(t, w.Pending("t1"), "failed fields stay pending")

	s.SetFail(nil)
	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("connected")}, true))

	m, err := s.GetMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "connected", m.Status, "newer field wins")
	assert.Equal(t, 4, m.RetryCount, "failed field is not lost")
}

func TestWriter_DiscardDropsPending(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("connecting")}, false))
	require.NoError(t, w.Save(ctx, "t1", Patch{Status: Ptr("reconnecting")}, false))
	w.Discard("t1")
	require.NoError(t, s.DeleteMetadata(ctx, "t1"))

	time.Sleep(80 * time.Millisecond)
	_, err := s.GetMetadata(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound, "discarded flush must not resurrect the record")
}

func TestWriter_Flush(t *testing.T) {
	s := newCountingStore()
	w := NewWriter(s, time.Hour)
	ctx := context.Background()

	require.NoError(t, w.Save(ctx, "a01", Patch{Status: Ptr("connecting")}, false))
	require.NoError(t, w.Save(ctx, "a01", Patch{RetryCount: Ptr(7)}, false))
	require.NoError(t, w.Save(ctx, "b01", Patch{Status: Ptr("connecting")}, false))

	require.NoError(t, w.Close(ctx))

	m, err := s.GetMetadata(ctx, "a01")
	require.NoError(t, err)
	assert.Equal(t, 7, m.RetryCount)
	assert.False(t, w.Pending("a01"))
}
