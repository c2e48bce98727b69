package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/model"
)

// KafkaPublisher пишет события в топик Kafka с ключом по идентификатору заказа,
// поэтому события одного заказа попадают в одну партицию по порядку.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher создаёт издателя для брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Publish синхронно записывает события и возвращает ошибку, если брокер их не подтвердил.
func (p *KafkaPublisher) Publish(ctx context.Context, events []model.Event) error {
	if err := p.w.WriteMessages(ctx, messages(ctx, events)...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}
	return nil
}

// Close закрывает writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func messages(ctx context.Context, events []model.Event) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		headers := headerCarrier{
			{Key: "event_id", Value: []byte(e.EventID)},
			{Key: "event_type", Value: []byte(e.Type)},
		}
		otel.GetTextMapPropagator().Inject(ctx, &headers)

		msgs = append(msgs, kafka.Message{
			Key:     []byte(strconv.FormatInt(e.OrderID, 10)),
			Value:   e.Payload,
			Time:    e.CreatedAt,
			Headers: headers,
		})
	}
	return msgs
}

// headerCarrier переносит контекст трассировки в заголовки сообщения Kafka.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// LogPublisher пишет события в лог. Используется, когда брокеры не настроены.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish записывает события в лог.
func (p *LogPublisher) Publish(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		p.logger.Info("order event",
			zap.String("event_id", e.EventID),
			zap.String("type", e.Type),
			zap.Int64("order_id", e.OrderID),
			zap.ByteString("payload", e.Payload))
	}
	return nil
}
