package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/model"
)

type stubSource struct {
	events []model.Event
	sent   map[int64]bool
}

func newStubSource(n int) *stubSource {
	s := &stubSource{sent: map[int64]bool{}}
	for i := 1; i <= n; i++ {
		s.events = append(s.events, model.Event{
			ID:      int64(i),
			EventID: fmt.Sprintf("evt-%d", i),
			Type:    model.EventOrderCreated,
			OrderID: int64(100 + i),
		})
	}
	return s
}

func (s *stubSource) FetchPending(ctx context.Context, limit int) ([]model.Event, error) {
	var res []model.Event
	for _, e := range s.events {
		if s.sent[e.ID] {
			continue
		}
		res = append(res, e)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (s *stubSource) MarkSent(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		s.sent[id] = true
	}
	return nil
}

type stubPublisher struct {
	batches [][]model.Event
	err     error
}

func (p *stubPublisher) Publish(ctx context.Context, events []model.Event) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func TestFlushSendsAllPendingInBatches(t *testing.T) {
	src := newStubSource(5)
	pub := &stubPublisher{}
	r := NewRelay(src, pub, time.Minute, 2, zap.NewNop(), nil)

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, pub.batches, 3)
	assert.Len(t, pub.batches[2], 1)

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlushKeepsEventsOnPublishError(t *testing.T) {
	src := newStubSource(2)
	pub := &stubPublisher{err: errors.New("broker down")}
	r := NewRelay(src, pub, time.Minute, 10, nil, nil)

	n, err := r.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, src.sent)
}

type chanPublisher struct {
	published chan []model.Event
}

func (p *chanPublisher) Publish(ctx context.Context, events []model.Event) error {
	p.published <- events
	return nil
}

func TestTriggerWakesRelay(t *testing.T) {
	src := newStubSource(1)
	pub := &chanPublisher{published: make(chan []model.Event, 1)}
	r := NewRelay(src, pub, time.Hour, 10, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	r.Trigger()
	r.Trigger()

	select {
	case events := <-pub.published:
		require.Len(t, events, 1)
		assert.Equal(t, "evt-1", events[0].EventID)
	case <-time.After(time.Second):
		t.Fatal("relay was not woken up")
	}
}

func TestMessagesCarryKeyAndTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msgs := messages(ctx, []model.Event{{
		EventID: "evt-1",
		Type:    model.EventOrderExpired,
		OrderID: 42,
		Payload: []byte(`{"order_id":42}`),
	}})
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "42", string(m.Key))
	assert.Equal(t, `{"order_id":42}`, string(m.Value))

	headers := headerCarrier(m.Headers)
	assert.Equal(t, "evt-1", headers.Get("event_id"))
	assert.Equal(t, model.EventOrderExpired, headers.Get("event_type"))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers.Get("traceparent"))
}
