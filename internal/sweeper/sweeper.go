// Package sweeper периодически отменяет заказы с истёкшим сроком удержания.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/metrics"
)

// Expirer отменяет просроченные заказы.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Notifier получает сигнал о том, что появились просроченные заказы.
// Уведомление не влияет на корректность и не должно блокировать.
type Notifier interface {
	Trigger()
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

// WithNotifier задаёт получателя сигнала об отменённых заказах.
func WithNotifier(n Notifier) Option {
	return func(s *Sweeper) { s.notifier = n }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper не хранит состояния между проходами: каждый проход заново выбирает
// заказы в WAITING_PAYMENT с истёкшим сроком, поэтому пропущенный или неудачный
// проход исправляется следующим.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	now      func() time.Time
}

// New создаёт Sweeper.
func New(expirer Expirer, interval time.Duration, logger *zap.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		expirer:  expirer,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет проходы с заданным интервалом до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			_, _ = s.Tick(ctx)
		}
	}
}

// Tick выполняет один проход и возвращает число отменённых заказов.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	started := s.now()
	n, err := s.expirer.ExpireStale(ctx, started)
	if err != nil {
		s.metrics.Sweep("error")
		s.logger.Warn("expiry sweep finished with errors",
			zap.Int("expired", n),
			zap.Error(err))
	} else {
		s.metrics.Sweep("ok")
	}

	if n > 0 {
		s.logger.Info("expired orders released",
			zap.Int("expired", n),
			zap.Duration("took", s.now().Sub(started)))
		if s.notifier != nil {
			s.notifier.Trigger()
		}
	}
	return n, err
}
