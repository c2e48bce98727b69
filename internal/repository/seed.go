package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/stockreserve/internal/model"
)

// AddProduct добавляет товар и возвращает его идентификатор.
func (r *PostgresRepository) AddProduct(ctx context.Context, name string, priceCents int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, price_cents) VALUES ($1, $2) RETURNING id`,
		name, priceCents,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}

// MintUnits добавляет свободные единицы товара, пропуская уже существующие.
// Возвращает число добавленных единиц.
func (r *PostgresRepository) MintUnits(ctx context.Context, productID int64, payloads []string) (int, error) {
	if _, err := r.Product(ctx, productID); err != nil {
		return 0, err
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO inventory_units (product_id, payload)
		 SELECT $1, p FROM unnest($2::text[]) AS p
		 WHERE btrim(p) <> ''
		 ON CONFLICT (product_id, payload) DO NOTHING`,
		productID, payloads,
	)
	if err != nil {
		return 0, fmt.Errorf("insert units: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AddBuyer добавляет покупателя с необязательным реферером.
func (r *PostgresRepository) AddBuyer(ctx context.Context, referrerID *int64, balanceCents int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO buyers (referrer_id, balance_cents) VALUES ($1, $2) RETURNING id`,
		referrerID, balanceCents,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return 0, model.ErrBuyerNotFound
		}
		return 0, fmt.Errorf("insert buyer: %w", err)
	}
	return id, nil
}

// AddCoupon добавляет или заменяет промокод.
func (r *PostgresRepository) AddCoupon(ctx context.Context, c model.Coupon) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO coupons (code, type, value, max_uses, used_count, valid_from, valid_until, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (code) DO UPDATE SET
		   type = EXCLUDED.type, value = EXCLUDED.value, max_uses = EXCLUDED.max_uses,
		   valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until, active = EXCLUDED.active`,
		model.NormalizeCouponCode(c.Code), string(c.Type), c.Value, c.MaxUses, c.UsedCount, c.ValidFrom, c.ValidUntil, c.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert coupon: %w", err)
	}
	return nil
}

// AddPromotion добавляет промоакцию.
func (r *PostgresRepository) AddPromotion(ctx context.Context, p model.Promotion) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO promotions (name, product_id, type, value, min_quantity, starts_at, ends_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		p.Name, p.ProductID, string(p.Type), p.Value, p.MinQuantity, p.StartsAt, p.EndsAt, p.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert promotion: %w", err)
	}
	return id, nil
}

// FetchPending возвращает до limit неотправленных событий в порядке добавления.
func (r *PostgresRepository) FetchPending(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, event_id::text, type, order_id, payload, created_at, sent_at
		 FROM outbox_events
		 WHERE sent_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	defer rows.Close()

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Event, error) {
		var e model.Event
		err := row.Scan(&e.ID, &e.EventID, &e.Type, &e.OrderID, &e.Payload, &e.CreatedAt, &e.SentAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect pending events: %w", err)
	}
	return events, nil
}

// MarkSent отмечает события отправленными.
func (r *PostgresRepository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE outbox_events SET sent_at = now() WHERE id = ANY($1) AND sent_at IS NULL`,
			ids,
		)
		if err != nil {
			return fmt.Errorf("mark events sent: %w", err)
		}
		return nil
	})
}
