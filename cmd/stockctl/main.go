// Package main содержит консольную утилиту оператора сервиса резервирования:
// миграции, заведение товаров, загрузку единиц, покупателей и промокодов.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "stockctl",
		Usage: "operator tool for the stock reservation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-uri",
				Aliases: []string{"d"},
				Usage:   "PostgreSQL connection string",
				EnvVars: []string{"DATABASE_URI"},
			},
			&cli.StringFlag{
				Name:    "auth-secret",
				Usage:   "buyer token signing secret, must match the server",
				EnvVars: []string{"AUTH_SECRET"},
			},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			productCommand(),
			unitsCommand(),
			buyerCommand(),
			couponCommand(),
			promotionCommand(),
			sweepCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "stockctl: %v\n", err)
		os.Exit(1)
	}
}
