package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/model"
)

// Тесты этого файла работают с настоящей базой и запускаются,
// только если задана переменная TEST_DATABASE_URI.
func integrationRepo(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type pgFixture struct {
	repo      *PostgresRepository
	productID int64
	buyerID   int64
	unitIDs   []int64
}

func newPGFixture(t *testing.T, r *PostgresRepository, units int, balanceCents int64) *pgFixture {
	t.Helper()
	ctx := context.Background()

	productID, err := r.AddProduct(ctx, "it-"+uuid.NewString(), 1000)
	require.NoError(t, err)

	payloads := make([]string, units)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("unit-%02d", i)
	}
	n, err := r.MintUnits(ctx, productID, payloads)
	require.NoError(t, err)
	require.Equal(t, units, n)

	buyerID, err := r.AddBuyer(ctx, nil, balanceCents)
	require.NoError(t, err)

	rows, err := r.pool.Query(ctx, `SELECT id FROM inventory_units WHERE product_id = $1 ORDER BY id`, productID)
	require.NoError(t, err)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	require.NoError(t, err)

	return &pgFixture{repo: r, productID: productID, buyerID: buyerID, unitIDs: ids}
}

func (f *pgFixture) order(quantity int) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		BuyerID:        f.buyerID,
		ProductID:      f.productID,
		Quantity:       quantity,
		UnitPriceCents: 1000,
		TotalCents:     int64(quantity) * 1000,
		Status:         model.OrderStatusWaitingPayment,
		HoldDeadline:   now.Add(15 * time.Minute),
		CreatedAt:      now,
	}
}

// reserve создаёт заказ и резервирует под него quantity единиц в одной транзакции.
// Товар блокируется до вставки заказа, как в ledger.Create.
func (f *pgFixture) reserve(ctx context.Context, quantity int) (int64, []int64, error) {
	var (
		orderID int64
		ids     []int64
	)
	err := f.repo.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.LockProduct(ctx, f.productID); err != nil {
			return err
		}
		var err error
		orderID, err = tx.InsertOrder(ctx, f.order(quantity))
		if err != nil {
			return err
		}
		ids, err = tx.Reserve(ctx, f.productID, orderID, quantity)
		return err
	})
	return orderID, ids, err
}

func (f *pgFixture) available(t *testing.T) int {
	t.Helper()
	p, err := f.repo.Product(context.Background(), f.productID)
	require.NoError(t, err)
	return p.Available
}

func TestPostgresReservePicksLowestIDsAllOrNothing(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 3, 0)

	_, ids, err := f.reserve(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, f.unitIDs[:2], ids)

	_, _, err = f.reserve(ctx, 2)
	require.ErrorIs(t, err, model.ErrInsufficientStock)
	assert.Equal(t, 1, f.available(t))
}

func TestPostgresFailedTxLeavesNoTrace(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 3, 500)

	boom := errors.New("boom")
	var orderID int64
	err := r.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.LockProduct(ctx, f.productID); err != nil {
			return err
		}
		var err error
		orderID, err = tx.InsertOrder(ctx, f.order(2))
		if err != nil {
			return err
		}
		if _, err := tx.Reserve(ctx, f.productID, orderID, 2); err != nil {
			return err
		}
		if err := tx.DebitBalance(ctx, f.buyerID, 200); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 3, f.available(t))
	_, err = r.GetOrder(ctx, orderID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
	b, err := r.Buyer(ctx, f.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.BalanceCents)
}

func TestPostgresReleaseIsIdempotent(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 3, 0)

	orderID, reserved, err := f.reserve(ctx, 2)
	require.NoError(t, err)

	release := func() []int64 {
		var ids []int64
		require.NoError(t, r.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			var err error
			ids, err = tx.Release(ctx, orderID)
			return err
		}))
		return ids
	}

	assert.ElementsMatch(t, reserved, release())
	assert.Empty(t, release())
	assert.Equal(t, 3, f.available(t))

	units, err := r.OrderUnits(ctx, orderID)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestPostgresConsumeSellsReservedUnitsOnce(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 3, 0)

	orderID, reserved, err := f.reserve(ctx, 2)
	require.NoError(t, err)

	consume := func() ([]int64, error) {
		var ids []int64
		err := r.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			var err error
			ids, err = tx.Consume(ctx, orderID)
			return err
		})
		return ids, err
	}

	ids, err := consume()
	require.NoError(t, err)
	assert.ElementsMatch(t, reserved, ids)

	units, err := r.OrderUnits(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, units, 2)
	for _, u := range units {
		assert.Equal(t, model.UnitStatusSold, u.Status)
		assert.NotNil(t, u.SoldAt)
	}

	_, err = consume()
	require.ErrorIs(t, err, model.ErrIntegrityViolation)

	var released []int64
	require.NoError(t, r.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		released, err = tx.Release(ctx, orderID)
		return err
	}))
	assert.Empty(t, released)
	assert.Equal(t, 1, f.available(t))
}

func TestPostgresDebitBalance(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 1, 500)

	debit := func(buyerID, amount int64) error {
		return r.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.DebitBalance(ctx, buyerID, amount)
		})
	}

	require.NoError(t, debit(f.buyerID, 300))
	require.ErrorIs(t, debit(f.buyerID, 300), model.ErrInsufficientBalance)
	require.ErrorIs(t, debit(-1, 1), model.ErrBuyerNotFound)

	b, err := r.Buyer(ctx, f.buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), b.BalanceCents)
}

func TestPostgresPaymentIDIsUnique(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 2, 0)

	first, _, err := f.reserve(ctx, 1)
	require.NoError(t, err)
	second, _, err := f.reserve(ctx, 1)
	require.NoError(t, err)

	paymentID := "pay-" + uuid.NewString()
	attach := func(orderID int64) error {
		return r.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			o, err := tx.LockOrder(ctx, orderID)
			if err != nil {
				return err
			}
			o.PaymentID = paymentID
			o.PaymentMethod = "card"
			return tx.UpdateOrder(ctx, o)
		})
	}

	require.NoError(t, attach(first))
	require.ErrorIs(t, attach(second), model.ErrPaymentConflict)

	o, err := r.OrderByPayment(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, first, o.ID)
}

func TestPostgresConcurrentBuyersNeverOversell(t *testing.T) {
	r := integrationRepo(t)
	ctx := context.Background()
	f := newPGFixture(t, r, 5, 0)

	const buyers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sold     = map[int64]int64{}
		rejected int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orderID, ids, err := f.reserve(ctx, 1)

			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, model.ErrInsufficientStock) {
				rejected++
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			for _, id := range ids {
				_, dup := sold[id]
				assert.False(t, dup, "unit %d reserved twice", id)
				sold[id] = orderID
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sold, 5)
	assert.Equal(t, buyers-5, rejected)
	assert.Zero(t, f.available(t))
}
