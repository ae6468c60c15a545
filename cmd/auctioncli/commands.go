package main

import "github.com/urfave/cli"

var adminCommands = []cli.Command{{
	Name:      "admin",
	ShortName: "adm",
	Usage:     "Change prices, parameters and the auction timer.",
	Category:  "Maintenance",
	Subcommands: []cli.Command{
		setPriceCommand,
		updateParamsCommand,
		tickCommand,
		closeBooksCommand,
	},
}}

var auctionCommands = []cli.Command{{
	Name:      "auction",
	ShortName: "a",
	Usage:     "Inspect the auction.",
	Category:  "Auction",
	Subcommands: []cli.Command{
		scheduleCommand,
		listBooksCommand,
		paramsCommand,
	},
}}

// addCommands adds all available commands to the given CLI app.
func addCommands(app *cli.App) {
	app.Commands = append(app.Commands, auctionCommands...)
	app.Commands = append(app.Commands, adminCommands...)
}
