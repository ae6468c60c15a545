package main

import (
	"context"
	"fmt"

	"github.com/lightninglabs/remate/status"
	"github.com/urfave/cli"
)

var setPriceCommand = cli.Command{
	Name:      "setprice",
	ShortName: "sp",
	Usage:     "set the oracle price of a collateral brand",
	ArgsUsage: "collateral price",
	Description: `
	Publish a new price for the collateral brand, in units of currency per
	unit of collateral. The price is picked up by the next round that
	locks its prices.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "collateral",
			Usage: "the collateral brand, for example ATOM",
		},
		cli.StringFlag{
			Name:  "price",
			Usage: "the decimal price, for example 9.75",
		},
	},
	Action: wrapSimpleCmd(func(ctx context.Context, cliCtx *cli.Context,
		client *status.Client) (interface{}, error) {

		var (
			collateral = cliCtx.String("collateral")
			price      = cliCtx.String("price")
			args       = cliCtx.Args()
		)
		if collateral == "" && args.Present() {
			collateral = args.First()
			args = args.Tail()
		}
		if price == "" && args.Present() {
			price = args.First()
		}
		if collateral == "" || price == "" {
			return nil, cli.ShowCommandHelp(cliCtx, "setprice")
		}

		return nil, client.SetPrice(ctx, collateral, price)
	}),
}

var updateParamsCommand = cli.Command{
	Name:      "updateparams",
	ShortName: "up",
	Usage:     "change the governed auction parameters",
	Description: `
	Change one or more auction parameters. Parameters that aren't set keep
	their current value. The new parameters take effect with the next
	round and are refused if no round could be scheduled with them.
	`,
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "startfrequency",
			Usage: "seconds between the nominal starts of two rounds",
		},
		cli.Uint64Flag{
			Name:  "clockstep",
			Usage: "seconds between two price steps",
		},
		cli.Uint64Flag{
			Name:  "startingrate",
			Usage: "rate of the first price step in basis points",
		},
		cli.Uint64Flag{
			Name:  "lowestrate",
			Usage: "rate in basis points the price never goes below",
		},
		cli.Uint64Flag{
			Name:  "discountstep",
			Usage: "rate reduction in basis points at every step",
		},
		cli.Uint64Flag{
			Name:  "auctionstartdelay",
			Usage: "seconds between the nominal and the actual start",
		},
		cli.Uint64Flag{
			Name:  "pricelockperiod",
			Usage: "seconds before the start the price is locked",
		},
	},
	Action: wrapSimpleCmd(func(ctx context.Context, cliCtx *cli.Context,
		client *status.Client) (interface{}, error) {

		if cliCtx.NumFlags() == 0 {
			return nil, cli.ShowCommandHelp(cliCtx, "updateparams")
		}

		p, err := client.Params(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch current "+
				"parameters: %v", err)
		}

		fields := map[string]*uint64{
			"startfrequency":    &p.StartFrequency,
			"clockstep":         &p.ClockStep,
			"startingrate":      &p.StartingRate,
			"lowestrate":        &p.LowestRate,
			"discountstep":      &p.DiscountStep,
			"auctionstartdelay": &p.AuctionStartDelay,
			"pricelockperiod":   &p.PriceLockPeriod,
		}
		for name, field := range fields {
			if cliCtx.IsSet(name) {
				*field = cliCtx.Uint64(name)
			}
		}

		if err := client.UpdateParams(ctx, p); err != nil {
			return nil, err
		}

		return p, nil
	}),
}

var tickCommand = cli.Command{
	Name:      "tick",
	ShortName: "t",
	Usage:     "advance the auction timer to the current time right away",
	Action: wrapSimpleCmd(func(ctx context.Context, _ *cli.Context,
		client *status.Client) (interface{}, error) {

		if err := client.Tick(ctx); err != nil {
			return nil, err
		}

		return client.Schedule(ctx)
	}),
}

var closeBooksCommand = cli.Command{
	Name:  "closebooks",
	Usage: "exit the seats of all queued bids",
	Description: `
	Cancel every bid that is still waiting in a book. Bidders get back
	whatever currency they haven't spent. Deposits are kept.
	`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "force",
			Usage: "don't ask for confirmation",
		},
	},
	Action: wrapSimpleCmd(func(ctx context.Context, cliCtx *cli.Context,
		client *status.Client) (interface{}, error) {

		if !cliCtx.Bool("force") {
			return nil, fmt.Errorf("closing all books cancels " +
				"every bid, use --force to confirm")
		}

		return nil, client.CloseBooks(ctx)
	}),
}
