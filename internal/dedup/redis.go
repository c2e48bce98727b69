// Package dedup отсеивает повторные доставки платёжных сигналов.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "stockreserve:dedup:"

	valueInFlight = "in-flight"
	valueDone     = "done"

	// InFlightLease ограничивает время жизни отметки обработки,
	// если процесс упал, не успев вызвать Done или Forget.
	InFlightLease = time.Minute
)

// State описывает, что известно о ключе.
type State int

const (
	// StateNew: ключ захвачен вызывающим, сигнал нужно обработать.
	StateNew State = iota
	// StateInFlight: тот же сигнал сейчас обрабатывает другой запрос.
	StateInFlight
	// StateDone: сигнал уже обработан.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInFlight:
		return "in-flight"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Redis хранит отметки обработки в Redis. Claim ставит отметку in-flight через SETNX
// на время InFlightLease, Done заменяет её отметкой done на ttl.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis создаёт дедупликатор поверх Redis по адресу addr.
func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		ttl: ttl,
	}
}

// Claim атомарно захватывает ключ. Если ключ уже занят, сообщает,
// обрабатывается ли он сейчас или уже обработан.
func (r *Redis) Claim(ctx context.Context, key string) (State, error) {
	k := keyPrefix + key

	ok, err := r.client.SetNX(ctx, k, valueInFlight, InFlightLease).Result()
	if err != nil {
		return StateNew, fmt.Errorf("setnx %s: %w", key, err)
	}
	if ok {
		return StateNew, nil
	}

	v, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// отметка истекла между SETNX и GET, отправитель повторит доставку
		return StateInFlight, nil
	}
	if err != nil {
		return StateNew, fmt.Errorf("get %s: %w", key, err)
	}
	if v == valueDone {
		return StateDone, nil
	}
	return StateInFlight, nil
}

// Done помечает ключ обработанным на время ttl.
func (r *Redis) Done(ctx context.Context, key string) error {
	if err := r.client.Set(ctx, keyPrefix+key, valueDone, r.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Forget снимает отметку, чтобы повторная доставка была обработана заново.
func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Ping проверяет соединение.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает клиент.
func (r *Redis) Close() error {
	return r.client.Close()
}
