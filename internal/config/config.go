// Package config содержит логику чтения конфигурации сервиса резервирования.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/stockreserve/internal/pricing"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	SeedFile    string `env:"SEED_FILE"`

	HoldTTL           time.Duration `env:"HOLD_TTL"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"`
	SweepBatch        int           `env:"SWEEP_BATCH"`
	ReferralPercent   int           `env:"REFERRAL_COMMISSION_PERCENT"`
	DiscountTiers     string        `env:"DISCOUNT_TIERS"`
	OutboxInterval    time.Duration `env:"OUTBOX_INTERVAL"`
	PaymentPollPeriod time.Duration `env:"PAYMENT_POLL_INTERVAL"`

	RedisAddress         string        `env:"REDIS_ADDRESS"`
	DedupTTL             time.Duration `env:"DEDUP_TTL"`
	KafkaBrokers         []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic           string        `env:"KAFKA_TOPIC"`
	PaymentStatusAddress string        `env:"PAYMENT_STATUS_ADDRESS"`
	PaymentWebhookSecret string        `env:"PAYMENT_WEBHOOK_SECRET"`
	AuthSecret           string        `env:"AUTH_SECRET"`
	OtelEndpoint         string        `env:"OTEL_ENDPOINT"`
	LogLevel             string        `env:"LOG_LEVEL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	var brokers string
	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.SeedFile, "seed", "", "JSON file with products, units, buyers and coupons for the in-memory store")
	flag.DurationVar(&cfg.HoldTTL, "hold-ttl", 15*time.Minute, "how long a reservation waits for payment")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", 5*time.Minute, "expiry sweeper interval")
	flag.IntVar(&cfg.SweepBatch, "sweep-batch", 100, "orders expired per sweeper batch")
	flag.IntVar(&cfg.ReferralPercent, "referral-percent", 10, "referral commission percent")
	flag.StringVar(&cfg.DiscountTiers, "discount-tiers", pricing.DefaultTiers().String(), "quantity discount tiers, threshold:percent")
	flag.DurationVar(&cfg.OutboxInterval, "outbox-interval", time.Second, "outbox relay interval")
	flag.DurationVar(&cfg.PaymentPollPeriod, "payment-poll-interval", 10*time.Second, "payment status polling interval")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for webhook deduplication")
	flag.DurationVar(&cfg.DedupTTL, "dedup-ttl", 24*time.Hour, "webhook deduplication window")
	flag.StringVar(&brokers, "kafka-brokers", "", "comma separated kafka brokers")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", "orders.lifecycle", "kafka topic for order events")
	flag.StringVar(&cfg.PaymentStatusAddress, "p", "", "payment system address")
	flag.StringVar(&cfg.PaymentWebhookSecret, "webhook-secret", "", "payment webhook HMAC secret")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", "", "buyer token signing secret")
	flag.StringVar(&cfg.OtelEndpoint, "otel-endpoint", "", "OTLP/HTTP trace collector endpoint")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level")

	flag.Parse()

	if brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Tiers возвращает таблицу скидок за количество.
func (c *Config) Tiers() (pricing.Tiers, error) {
	return pricing.ParseTiers(c.DiscountTiers)
}

func (c *Config) validate() error {
	if c.RunAddress == "" {
		c.RunAddress = "localhost:8080"
	}
	if c.SeedFile != "" && c.DatabaseURI != "" {
		return fmt.Errorf("seed file applies to the in-memory store only, use stockctl with a database")
	}
	if c.HoldTTL <= 0 {
		return fmt.Errorf("hold ttl must be positive, got %s", c.HoldTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("sweep batch must be positive, got %d", c.SweepBatch)
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("outbox interval must be positive, got %s", c.OutboxInterval)
	}
	if c.PaymentPollPeriod <= 0 {
		return fmt.Errorf("payment poll interval must be positive, got %s", c.PaymentPollPeriod)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("dedup ttl must be positive, got %s", c.DedupTTL)
	}
	if c.ReferralPercent < 0 || c.ReferralPercent > 100 {
		return fmt.Errorf("referral percent must be within 0..100, got %d", c.ReferralPercent)
	}
	if _, err := c.Tiers(); err != nil {
		return fmt.Errorf("discount tiers: %w", err)
	}
	c.KafkaBrokers = splitList(strings.Join(c.KafkaBrokers, ","))
	return nil
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
