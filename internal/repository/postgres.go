// Package repository содержит реализацию хранилища заказов и склада в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ ledger.Store = (*PostgresRepository)(nil)

const orderColumns = `id, buyer_id, product_id, quantity, unit_price_cents, discount_percent,
	total_cents, status, payment_method, COALESCE(payment_id, ''), coupon_code, hold_deadline,
	created_at, paid_at, completed_at, cancelled_at`

// querier объединяет общие методы пула и транзакции pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	retryBase  time.Duration
	maxRetries uint64
}

// NewPostgresRepository создаёт репозиторий и применяет миграции схемы.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, retryBase: 200 * time.Millisecond, maxRetries: 3}

	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Migrate применяет встроенные миграции goose.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимной блокировке или обрыве соединения
// с экспоненциальной задержкой. Если повторы исчерпаны, ошибка оборачивается в model.ErrTransientStorage.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.retryBase))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %w", model.ErrTransientStorage, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// InTx выполняет fn в транзакции READ COMMITTED. Изоляцию изменений единиц товара
// обеспечивают блокировки строк FOR UPDATE внутри операций Tx.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Product возвращает товар с вычисленными счётчиками единиц.
func (r *PostgresRepository) Product(ctx context.Context, id int64) (*model.Product, error) {
	return selectProduct(ctx, r.pool, id, false)
}

// GetOrder возвращает заказ.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// OrderByPayment возвращает заказ по идентификатору платежа.
func (r *PostgresRepository) OrderByPayment(ctx context.Context, paymentID string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_id = $1`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get order by payment: %w", err)
	}
	return o, nil
}

// OrderUnits возвращает единицы, закреплённые за заказом.
func (r *PostgresRepository) OrderUnits(ctx context.Context, orderID int64) ([]model.InventoryUnit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, payload, status, order_id, reserved_at, sold_at
		 FROM inventory_units
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order units: %w", err)
	}
	defer rows.Close()

	var units []model.InventoryUnit
	for rows.Next() {
		var (
			u      model.InventoryUnit
			status string
		)
		if err := rows.Scan(&u.ID, &u.ProductID, &u.Payload, &status, &u.OrderID, &u.ReservedAt, &u.SoldAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.Status = model.UnitStatus(status)
		units = append(units, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return units, nil
}

// ListExpired возвращает неоплаченные заказы с истёкшим сроком удержания, старые первыми.
func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id
		 FROM orders
		 WHERE status = $1 AND hold_deadline < $2
		 ORDER BY hold_deadline, id
		 LIMIT $3`,
		string(model.OrderStatusWaitingPayment), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired orders: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect expired orders: %w", err)
	}
	return ids, nil
}

// ListAwaitingPayment возвращает неоплаченные заказы с привязанным платежом.
func (r *PostgresRepository) ListAwaitingPayment(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status = $1 AND payment_id IS NOT NULL
		 ORDER BY id
		 LIMIT $2`,
		string(model.OrderStatusWaitingPayment), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders awaiting payment: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Buyer возвращает покупателя.
func (r *PostgresRepository) Buyer(ctx context.Context, id int64) (*model.Buyer, error) {
	return selectBuyer(ctx, r.pool, id)
}

func selectProduct(ctx context.Context, q querier, id int64, lock bool) (*model.Product, error) {
	sql := `SELECT p.id, p.name, p.price_cents, p.created_at,
		(SELECT count(*) FROM inventory_units u WHERE u.product_id = p.id),
		(SELECT count(*) FROM inventory_units u WHERE u.product_id = p.id AND u.status = 'AVAILABLE')
		FROM products p
		WHERE p.id = $1`
	if lock {
		sql += ` FOR UPDATE OF p`
	}

	var p model.Product
	err := q.QueryRow(ctx, sql, id).Scan(&p.ID, &p.Name, &p.PriceCents, &p.CreatedAt, &p.TotalUnits, &p.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrProductNotFound
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return &p, nil
}

func selectBuyer(ctx context.Context, q querier, id int64) (*model.Buyer, error) {
	var b model.Buyer
	err := q.QueryRow(ctx,
		`SELECT id, referrer_id, balance_cents, created_at FROM buyers WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.ReferrerID, &b.BalanceCents, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrBuyerNotFound
		}
		return nil, fmt.Errorf("select buyer: %w", err)
	}
	return &b, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.ProductID, &o.Quantity, &o.UnitPriceCents, &o.DiscountPercent,
		&o.TotalCents, &status, &o.PaymentMethod, &o.PaymentID, &o.CouponCode, &o.HoldDeadline,
		&o.CreatedAt, &o.PaidAt, &o.CompletedAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}
