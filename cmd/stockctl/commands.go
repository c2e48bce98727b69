package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/stockreserve/internal/commission"
	"github.com/mmeshcher/stockreserve/internal/inventory"
	"github.com/mmeshcher/stockreserve/internal/ledger"
	"github.com/mmeshcher/stockreserve/internal/middleware"
	"github.com/mmeshcher/stockreserve/internal/model"
	"github.com/mmeshcher/stockreserve/internal/pricing"
	"github.com/mmeshcher/stockreserve/internal/repository"
	"github.com/mmeshcher/stockreserve/internal/sweeper"
)

var errNoDatabase = errors.New("database uri is required, set --database-uri or DATABASE_URI")

// openRepository подключается к БД; подключение применяет миграции.
func openRepository(c *cli.Context) (*repository.PostgresRepository, error) {
	dsn := c.String("database-uri")
	if dsn == "" {
		return nil, errNoDatabase
	}
	return repository.NewPostgresRepository(c.Context, dsn)
}

// parseMoney переводит сумму вида "100.50" в копейки.
func parseMoney(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q must not be negative", s)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func parseAdjustment(kind, value string) (model.AdjustmentType, int64, error) {
	switch strings.ToUpper(kind) {
	case string(model.AdjustmentPercent):
		d, err := decimal.NewFromString(value)
		if err != nil || !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
			return "", 0, fmt.Errorf("percent value must be an integer within 0..100, got %q", value)
		}
		return model.AdjustmentPercent, d.IntPart(), nil
	case string(model.AdjustmentFixed):
		cents, err := parseMoney(value)
		if err != nil {
			return "", 0, err
		}
		return model.AdjustmentFixed, cents, nil
	default:
		return "", 0, fmt.Errorf("unknown adjustment type %q, want percent or fixed", kind)
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply database migrations",
		Action: func(c *cli.Context) error {
			repo, err := openRepository(c)
			if err != nil {
				return err
			}
			defer repo.Close()

			fmt.Fprintln(c.App.Writer, "migrations applied")
			return nil
		},
	}
}

func productCommand() *cli.Command {
	return &cli.Command{
		Name:  "product",
		Usage: "manage products",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "create a product",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "price", Usage: "unit price, e.g. 100.00", Required: true},
				},
				Action: func(c *cli.Context) error {
					price, err := parseMoney(c.String("price"))
					if err != nil {
						return err
					}

					repo, err := openRepository(c)
					if err != nil {
						return err
					}
					defer repo.Close()

					id, err := repo.AddProduct(c.Context, c.String("name"), price)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "product %d created\n", id)
					return nil
				},
			},
			{
				Name:  "stock",
				Usage: "show available units of a product",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "id", Required: true},
				},
				Action: func(c *cli.Context) error {
					repo, err := openRepository(c)
					if err != nil {
						return err
					}
					defer repo.Close()

					p, err := repo.Product(c.Context, c.Int64("id"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%d %s: %d of %d available\n", p.ID, p.Name, p.Available, p.TotalUnits)
					return nil
				},
			},
		},
	}
}

func unitsCommand() *cli.Command {
	return &cli.Command{
		Name:  "units",
		Usage: "manage inventory units",
		Subcommands: []*cli.Command{
			{
				Name:  "import",
				Usage: "mint units from a TXT or CSV file, one unit per line",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "product", Required: true},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "units file, stdin when omitted or \"-\""},
				},
				Action: func(c *cli.Context) error {
					var in io.Reader = os.Stdin
					if path := c.String("file"); path != "" && path != "-" {
						f, err := os.Open(path)
						if err != nil {
							return fmt.Errorf("open units file: %w", err)
						}
						defer f.Close()
						in = f
					}

					payloads, duplicates, err := inventory.ParseUnits(in)
					if err != nil {
						return err
					}
					if len(payloads) == 0 {
						return errors.New("no units found in input")
					}

					repo, err := openRepository(c)
					if err != nil {
						return err
					}
					defer repo.Close()

					added, err := repo.MintUnits(c.Context, c.Int64("product"), payloads)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%d units added, %d already present, %d duplicate lines skipped\n",
						added, len(payloads)-added, duplicates)
					return nil
				},
			},
		},
	}
}

func buyerCommand() *cli.Command {
	return &cli.Command{
		Name:  "buyer",
		Usage: "manage buyers",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "create a buyer and print an access token",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "referrer", Usage: "id of the buyer who referred this one"},
					&cli.StringFlag{Name: "balance", Value: "0", Usage: "initial balance, e.g. 500.00"},
				},
				Action: func(c *cli.Context) error {
					balance, err := parseMoney(c.String("balance"))
					if err != nil {
						return err
					}

					var referrer *int64
					if c.IsSet("referrer") {
						id := c.Int64("referrer")
						referrer = &id
					}

					repo, err := openRepository(c)
					if err != nil {
						return err
					}
					defer repo.Close()

					id, err := repo.AddBuyer(c.Context, referrer, balance)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "buyer %d created\n", id)
					if secret := c.String("auth-secret"); secret != "" {
						fmt.Fprintf(c.App.Writer, "token: %s\n", middleware.NewBuyerAuth(secret).Issue(id))
					}
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "issue an access token for an existing buyer",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "id", Required: true},
				},
				Action: func(c *cli.Context) error {
					secret := c.String("auth-secret")
					if secret == "" {
						return errors.New("auth secret is required to issue tokens")
					}
					fmt.Fprintln(c.App.Writer, middleware.NewBuyerAuth(secret).Issue(c.Int64("id")))
					return nil
				},
			},
		},
	}
}

func couponCommand() *cli.Command {
	return &cli.Command{
		Name:  "coupon",
		Usage: "manage coupons",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "create or replace a coupon",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "code", Required: true},
					&cli.StringFlag{Name: "type", Value: "percent", Usage: "percent or fixed"},
					&cli.StringFlag{Name: "value", Required: true, Usage: "percent or amount, e.g. 10 or 50.00"},
					&cli.IntFlag{Name: "max-uses", Usage: "0 means unlimited"},
					&cli.DurationFlag{Name: "valid-for", Value: 30 * 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					typ, value, err := parseAdjustment(c.String("type"), c.String("value"))
					if err != nil {
						return err
					}

					repo, err := openRepository(c)
					if err != nil {
						return err
					}
					defer repo.Close()

					now := time.Now().UTC()
					err = repo.AddCoupon(c.Context, model.Coupon{
						Code:       model.NormalizeCouponCode(c.String("code")),
						Type:       typ,
						Value:      value,
						MaxUses:    c.Int("max-uses"),
						ValidFrom:  now,
						ValidUntil: now.Add(c.Duration("valid-for")),
						Active:     true,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "coupon %s saved\n", model.NormalizeCouponCode(c.String("code")))
					return nil
				},
			},
		},
	}
}

func promotionCommand() *cli.Command {
	return &cli.Command{
		Name:  "promotion",
		Usage: "manage promotions",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "create a promotion for a product or the whole catalogue",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.Int64Flag{Name: "product", Usage: "product id, whole catalogue when omitted"},
					&cli.StringFlag{Name: "type", Value: "percent", Usage: "percent or fixed"},
					&cli.StringFlag{Name: "value", Required: true},
					&cli.IntFlag{Name: "min-quantity", Value: 1},
					&cli.DurationFlag{Name: "duration", Value: 7 * 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					typ, value, err := parseAdjustment(c.String("type"), c.String("value"))
					if err != nil {
						return err
					}

					var productID *int64
					if c.IsSet("product") {
						id := c.Int64("product")
						productID = &id
					}

					repo, err := openRepository(c)
					if err != nil {
						return err
					}
					defer repo.Close()

					now := time.Now().UTC()
					id, err := repo.AddPromotion(c.Context, model.Promotion{
						Name:        c.String("name"),
						ProductID:   productID,
						Type:        typ,
						Value:       value,
						MinQuantity: c.Int("min-quantity"),
						StartsAt:    now,
						EndsAt:      now.Add(c.Duration("duration")),
						Active:      true,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "promotion %d created\n", id)
					return nil
				},
			},
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "cancel expired reservations once and release their units",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "batch", Value: 100},
		},
		Action: func(c *cli.Context) error {
			repo, err := openRepository(c)
			if err != nil {
				return err
			}
			defer repo.Close()

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// Истечение резерва не пересчитывает цену и не начисляет комиссию.
			l := ledger.New(repo, pricing.NewEngine(pricing.DefaultTiers()), commission.New(0),
				ledger.Settings{SweepBatch: c.Int("batch")},
				ledger.WithLogger(logger),
			)

			n, err := sweeper.New(l, time.Minute, logger).Tick(c.Context)
			fmt.Fprintf(c.App.Writer, "%d orders expired\n", n)
			return err
		},
	}
}
