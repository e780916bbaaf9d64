package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/peertrade-network/peertrade-daemon/config"
	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
	dbbadger "github.com/peertrade-network/peertrade-daemon/internal/infrastructure/storage/db/badger"
)

var datadirFlag = cli.StringFlag{
	Name:  "datadir",
	Usage: "the data directory of the daemon",
	Value: config.GetDatadir(),
}

func main() {
	app := cli.NewApp()

	app.Version = "0.0.1"
	app.Name = "peertrade operator CLI"
	app.Usage = "Command line interface for peertraded daemon operators"
	app.Flags = append(app.Flags, &datadirFlag)
	app.Commands = append(
		app.Commands,
		&listtrades,
		&showtrade,
	)

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

// openTradeRepository opens the daemon's trade store read-only style: the CLI
// never mutates trades, it inspects them.
func openTradeRepository(ctx *cli.Context) (domain.TradeRepository, func(), error) {
	datadir := ctx.String("datadir")
	dbManager, err := dbbadger.NewDbManager(datadir+"/"+config.DbLocation, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("opening trade store: %w", err)
	}
	cleanup := func() { dbManager.Close() }
	return dbbadger.NewTradeRepositoryImpl(dbManager), cleanup, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[peertrade] %v\n", err)
	os.Exit(1)
}
