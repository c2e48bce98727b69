// Package outbox доставляет события жизненного цикла заказов, записанные
// в хранилище в одной транзакции с переходом заказа, во внешнюю шину.
// Доставка выполняется не менее одного раза.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/metrics"
	"github.com/mmeshcher/stockreserve/internal/model"
)

// Source отдаёт неотправленные события.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]model.Event, error)
	MarkSent(ctx context.Context, ids []int64) error
}

// Publisher отправляет события во внешнюю шину.
type Publisher interface {
	Publish(ctx context.Context, events []model.Event) error
}

// Relay периодически переносит события из хранилища в Publisher.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	wake      chan struct{}
}

// NewRelay создаёт Relay.
func NewRelay(source Source, publisher Publisher, interval time.Duration, batch int, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger,
		metrics:   m,
		wake:      make(chan struct{}, 1),
	}
}

// Trigger просит выполнить отправку, не дожидаясь следующего тика. Не блокирует.
func (r *Relay) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run отправляет события до отмены контекста.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}

		if _, err := r.Flush(ctx); err != nil {
			r.logger.Warn("outbox flush failed", zap.Error(err))
		}
	}
}

// Flush отправляет все накопленные события пачками и возвращает их число.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		events, err := r.source.FetchPending(ctx, r.batch)
		if err != nil {
			return sent, fmt.Errorf("fetch pending events: %w", err)
		}
		if len(events) == 0 {
			return sent, nil
		}

		if err := r.publisher.Publish(ctx, events); err != nil {
			return sent, fmt.Errorf("publish events: %w", err)
		}

		ids := make([]int64, 0, len(events))
		for _, e := range events {
			ids = append(ids, e.ID)
		}
		if err := r.source.MarkSent(ctx, ids); err != nil {
			return sent, fmt.Errorf("mark events sent: %w", err)
		}

		sent += len(events)
		r.metrics.Published(len(events))

		if len(events) < r.batch {
			return sent, nil
		}
	}
}
