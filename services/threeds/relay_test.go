package threeds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type failingChannel struct{ name string }

func (c failingChannel) Name() string { return c.name }

func (c failingChannel) Deliver(ctx context.Context, d *Delivery) error {
	return errors.New("unavailable")
}

type failingStore struct{ *MemoryStore }

func (failingStore) SaveResult(ctx context.Context, rec DurableRecord, ttl time.Duration) error {
	return errors.New("redis down")
}

func newTestRelay(t *testing.T, store Store) *Relay {
	return NewRelay("", zaptest.NewLogger(t),
		OpenerChannel{CloseAfter: 2 * time.Second},
		ParentChannel{},
		DurableChannel{Store: store, TTL: time.Hour},
	)
}

func TestRelayUsesEveryChannel(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRelay(t, store)

	d, err := r.Deliver(context.Background(), NewRelayMessage(Result{PaRes: "R1", TransactionID: "504"}))
	require.NoError(t, err)

	assert.True(t, d.PostToOpener)
	assert.True(t, d.PostToParent)
	assert.True(t, d.Stored)
	assert.Equal(t, 2*time.Second, d.ClosePopupAfter)
	assert.Equal(t, "*", d.TargetOrigin)

	rec, err := store.LoadResult(context.Background(), "504")
	require.NoError(t, err)
	assert.Equal(t, "R1", rec.PaRes)
}

func TestRelayIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRelay(t, store)
	msg := NewRelayMessage(Result{PaRes: "R1", TransactionID: "504"})

	_, err := r.Deliver(context.Background(), msg)
	require.NoError(t, err)
	first, err := store.LoadResult(context.Background(), "504")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = r.Deliver(context.Background(), msg)
	require.NoError(t, err)
	second, err := store.LoadResult(context.Background(), "504")
	require.NoError(t, err)

	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Equal(t, first.PaRes, second.PaRes)
}

func TestRelaySucceedsWhenOneChannelFails(t *testing.T) {
	r := NewRelay("https://app.example.com", zaptest.NewLogger(t),
		ParentChannel{},
		DurableChannel{Store: failingStore{NewMemoryStore()}, TTL: time.Hour},
	)

	d, err := r.Deliver(context.Background(), NewRelayMessage(Result{PaRes: "R1", TransactionID: "504"}))
	require.NoError(t, err)
	assert.True(t, d.PostToParent)
	assert.False(t, d.Stored)
	assert.Equal(t, "https://app.example.com", d.TargetOrigin)
}

func TestRelayFailsWhenEveryChannelFails(t *testing.T) {
	r := NewRelay("", zaptest.NewLogger(t), failingChannel{name: "a"}, failingChannel{name: "b"})

	_, err := r.Deliver(context.Background(), NewRelayMessage(Result{PaRes: "R1", TransactionID: "504"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: unavailable")
	assert.Contains(t, err.Error(), "b: unavailable")
}

func TestRelayRejectsPartialMessage(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRelay(t, store)

	_, err := r.Deliver(context.Background(), RelayMessage{PaRes: "R1"})
	require.ErrorIs(t, err, ErrCallbackDataNotFound)

	_, err = store.LoadResult(context.Background(), "")
	require.ErrorIs(t, err, ErrResultNotFound)
}
