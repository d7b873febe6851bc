package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/prompt-battle/internal/store"
)

type fakeQueue struct {
	mu      sync.Mutex
	befores []time.Time
	n       int
	err     error
	called  chan struct{}
}

func (q *fakeQueue) PurgeStale(_ context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	q.befores = append(q.befores, before)
	q.mu.Unlock()
	if q.called != nil {
		select {
		case q.called <- struct{}{}:
		default:
		}
	}
	return q.n, q.err
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateInvitation(ctx, store.Invitation{Token: "old", Status: store.InvitationPending, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, st.CreateInvitation(ctx, store.Invitation{Token: "fresh", Status: store.InvitationPending, ExpiresAt: now.Add(time.Hour)}))
	q := &fakeQueue{n: 2}

	m, err := New(Options{Store: st, Queue: q, Interval: time.Minute, QueueStaleAfter: 30 * time.Second, Now: func() time.Time { return now }})
	require.NoError(t, err)

	res, err := m.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Expired: 1, Purged: 2}, res)
	require.Len(t, q.befores, 1)
	assert.Equal(t, now.Add(-30*time.Second), q.befores[0])

	inv, err := st.Invitation(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, store.InvitationExpired, inv.Status)
	inv, err = st.Invitation(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.InvitationPending, inv.Status)
}

func TestRunOnce_KeepsGoingAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	st := store.NewMemoryStore()
	q := &fakeQueue{err: boom}
	m, err := New(Options{Store: st, Queue: q, Interval: time.Minute})
	require.NoError(t, err)

	_, err = m.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, q.befores, 1)
}

func TestNew_RejectsZeroInterval(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	q := &fakeQueue{called: make(chan struct{}, 1)}
	m, err := New(Options{Queue: q, Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown()

	select {
	case <-q.called:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled sweep never ran")
	}
}
