package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/stockreserve/internal/model"
)

// pgTx реализует ledger.Tx поверх транзакции pgx.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockProduct(ctx context.Context, id int64) (*model.Product, error) {
	return selectProduct(ctx, t.tx, id, true)
}

// lockProductOfOrder блокирует товар заказа, чтобы изменения единиц одного товара шли строго по очереди.
func (t *pgTx) lockProductOfOrder(ctx context.Context, orderID int64) error {
	var productID int64
	err := t.tx.QueryRow(ctx,
		`SELECT p.id FROM products p JOIN orders o ON o.product_id = p.id WHERE o.id = $1 FOR UPDATE OF p`,
		orderID,
	).Scan(&productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrOrderNotFound
		}
		return fmt.Errorf("lock product of order: %w", err)
	}
	return nil
}

func (t *pgTx) Reserve(ctx context.Context, productID, orderID int64, quantity int) ([]int64, error) {
	if quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}

	var locked int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrProductNotFound
		}
		return nil, fmt.Errorf("lock product: %w", err)
	}

	rows, err := t.tx.Query(ctx,
		`SELECT id
		 FROM inventory_units
		 WHERE product_id = $1 AND status = $2
		 ORDER BY id
		 LIMIT $3
		 FOR UPDATE`,
		productID, string(model.UnitStatusAvailable), quantity,
	)
	if err != nil {
		return nil, fmt.Errorf("select available units: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect available units: %w", err)
	}
	if len(ids) < quantity {
		return nil, model.ErrInsufficientStock
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE inventory_units
		 SET status = $1, order_id = $2, reserved_at = now()
		 WHERE id = ANY($3)`,
		string(model.UnitStatusReserved), orderID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("reserve units: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return nil, fmt.Errorf("%w: reserved %d of %d units", model.ErrIntegrityViolation, tag.RowsAffected(), len(ids))
	}

	return ids, nil
}

func (t *pgTx) Release(ctx context.Context, orderID int64) ([]int64, error) {
	if err := t.lockProductOfOrder(ctx, orderID); err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx,
		`UPDATE inventory_units
		 SET status = $1, order_id = NULL, reserved_at = NULL
		 WHERE order_id = $2 AND status = $3
		 RETURNING id`,
		string(model.UnitStatusAvailable), orderID, string(model.UnitStatusReserved),
	)
	if err != nil {
		return nil, fmt.Errorf("release units: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect released units: %w", err)
	}
	return ids, nil
}

func (t *pgTx) Consume(ctx context.Context, orderID int64) ([]int64, error) {
	if err := t.lockProductOfOrder(ctx, orderID); err != nil {
		return nil, err
	}

	var foreign int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM inventory_units WHERE order_id = $1 AND status <> $2`,
		orderID, string(model.UnitStatusReserved),
	).Scan(&foreign)
	if err != nil {
		return nil, fmt.Errorf("check order units: %w", err)
	}
	if foreign > 0 {
		return nil, fmt.Errorf("%w: order %d has %d units outside reservation", model.ErrIntegrityViolation, orderID, foreign)
	}

	rows, err := t.tx.Query(ctx,
		`UPDATE inventory_units
		 SET status = $1, sold_at = now()
		 WHERE order_id = $2 AND status = $3
		 RETURNING id`,
		string(model.UnitStatusSold), orderID, string(model.UnitStatusReserved),
	)
	if err != nil {
		return nil, fmt.Errorf("consume units: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect consumed units: %w", err)
	}
	return ids, nil
}

func (t *pgTx) Available(ctx context.Context, productID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM inventory_units WHERE product_id = $1 AND status = $2`,
		productID, string(model.UnitStatusAvailable),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available units: %w", err)
	}
	return n, nil
}

func (t *pgTx) Buyer(ctx context.Context, id int64) (*model.Buyer, error) {
	return selectBuyer(ctx, t.tx, id)
}

func (t *pgTx) CreditBalance(ctx context.Context, buyerID, amountCents int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE buyers SET balance_cents = balance_cents + $2 WHERE id = $1`,
		buyerID, amountCents,
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrBuyerNotFound
	}
	return nil
}

func (t *pgTx) DebitBalance(ctx context.Context, buyerID, amountCents int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE buyers SET balance_cents = balance_cents - $2 WHERE id = $1 AND balance_cents >= $2`,
		buyerID, amountCents,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := selectBuyer(ctx, t.tx, buyerID); err != nil {
		return err
	}
	return model.ErrInsufficientBalance
}

func (t *pgTx) InsertCommission(ctx context.Context, c model.ReferralCommission) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO referral_commissions
		 (order_id, referrer_id, referred_id, order_amount_cents, commission_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.OrderID, c.ReferrerID, c.ReferredID, c.OrderAmountCents, c.CommissionCents, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("commission for order %d already recorded", c.OrderID)
		}
		return fmt.Errorf("insert commission: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders
		 (buyer_id, product_id, quantity, unit_price_cents, discount_percent, total_cents,
		  status, payment_method, coupon_code, hold_deadline, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		o.BuyerID, o.ProductID, o.Quantity, o.UnitPriceCents, o.DiscountPercent, o.TotalCents,
		string(o.Status), o.PaymentMethod, o.CouponCode, o.HoldDeadline, o.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, payment_method = $3, payment_id = NULLIF($4, ''),
		     paid_at = $5, completed_at = $6, cancelled_at = $7
		 WHERE id = $1`,
		o.ID, string(o.Status), o.PaymentMethod, o.PaymentID, o.PaidAt, o.CompletedAt, o.CancelledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrPaymentConflict
		}
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) Promotions(ctx context.Context, productID int64) ([]model.Promotion, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, name, product_id, type, value, min_quantity, starts_at, ends_at, active
		 FROM promotions
		 WHERE product_id IS NULL OR product_id = $1`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("select promotions: %w", err)
	}
	defer rows.Close()

	var res []model.Promotion
	for rows.Next() {
		var (
			p   model.Promotion
			typ string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.ProductID, &typ, &p.Value, &p.MinQuantity, &p.StartsAt, &p.EndsAt, &p.Active); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		p.Type = model.AdjustmentType(typ)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) LockCoupon(ctx context.Context, code string) (*model.Coupon, error) {
	var (
		c   model.Coupon
		typ string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT code, type, value, max_uses, used_count, valid_from, valid_until, active
		 FROM coupons
		 WHERE code = $1
		 FOR UPDATE`,
		code,
	).Scan(&c.Code, &typ, &c.Value, &c.MaxUses, &c.UsedCount, &c.ValidFrom, &c.ValidUntil, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrCouponInvalid
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}
	c.Type = model.AdjustmentType(typ)
	return &c, nil
}

func (t *pgTx) UseCoupon(ctx context.Context, code string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("use coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrCouponInvalid
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e model.Event) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO outbox_events (event_id, type, order_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.EventID, e.Type, e.OrderID, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
