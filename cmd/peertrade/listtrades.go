package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/peertrade-network/peertrade-daemon/internal/core/domain"
)

var listtrades = cli.Command{
	Name:  "listtrades",
	Usage: "get a list of all trades known to the daemon",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "open",
			Usage: "only list trades that have not completed yet",
		},
	},
	Action: listTradesAction,
}

func listTradesAction(ctx *cli.Context) error {
	repo, cleanup, err := openTradeRepository(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var trades []*domain.Trade
	if ctx.Bool("open") {
		trades, err = repo.GetOpenTrades(context.Background())
	} else {
		trades, err = repo.GetAllTrades(context.Background())
	}
	if err != nil {
		return err
	}

	for _, trade := range trades {
		fmt.Printf(
			"%s  %-15s  %-10s  %s\n",
			trade.Id, trade.Role, trade.Phase(), trade.State,
		)
	}
	fmt.Printf("%d trades\n", len(trades))
	return nil
}
