package main

import (
	"context"

	"github.com/lightninglabs/remate/status"
	"github.com/urfave/cli"
)

var scheduleCommand = cli.Command{
	Name:      "schedule",
	ShortName: "s",
	Usage:     "show the running and the next round",
	Description: `
	Show the state of the auction, the start and end of the running round
	and when the next round locks its prices and starts. All times are
	seconds of the auction timer.
	`,
	Action: wrapSimpleCmd(func(ctx context.Context, _ *cli.Context,
		client *status.Client) (interface{}, error) {

		return client.Schedule(ctx)
	}),
}

var listBooksCommand = cli.Command{
	Name:      "listbooks",
	ShortName: "lb",
	Usage:     "list the book of every collateral brand",
	Action: wrapSimpleCmd(func(ctx context.Context, _ *cli.Context,
		client *status.Client) (interface{}, error) {

		return client.Books(ctx)
	}),
}

var paramsCommand = cli.Command{
	Name:      "params",
	ShortName: "p",
	Usage:     "show the governed auction parameters",
	Action: wrapSimpleCmd(func(ctx context.Context, _ *cli.Context,
		client *status.Client) (interface{}, error) {

		return client.Params(ctx)
	}),
}
