package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubExpirer struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (s *stubExpirer) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	return s.n, s.err
}

func (s *stubExpirer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubNotifier struct {
	triggered int
}

func (s *stubNotifier) Trigger() { s.triggered++ }

func TestTickPassesCurrentTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := &stubExpirer{n: 2}
	notifier := &stubNotifier{}
	s := New(exp, time.Minute, zap.NewNop(), WithClock(func() time.Time { return now }), WithNotifier(notifier))

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, exp.calls, 1)
	assert.Equal(t, now, exp.calls[0])
	assert.Equal(t, 1, notifier.triggered)
}

func TestTickWithoutExpiredOrdersDoesNotNotify(t *testing.T) {
	notifier := &stubNotifier{}
	s := New(&stubExpirer{}, time.Minute, nil, WithNotifier(notifier))

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, notifier.triggered)
}

func TestTickReturnsErrors(t *testing.T) {
	boom := errors.New("boom")
	s := New(&stubExpirer{n: 1, err: boom}, time.Minute, zap.NewNop())

	n, err := s.Tick(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	exp := &stubExpirer{err: errors.New("storage down")}
	s := New(exp, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return exp.count() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
