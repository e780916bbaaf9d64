package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"
)

var showtrade = cli.Command{
	Name:      "trade",
	Usage:     "print the full state of one trade",
	ArgsUsage: "<trade id>",
	Action:    showTradeAction,
}

func showTradeAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("exactly one trade id is required")
	}

	repo, cleanup, err := openTradeRepository(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	trade, err := repo.GetTrade(context.Background(), ctx.Args().First())
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(trade, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
