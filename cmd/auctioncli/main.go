package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/lightninglabs/remate/status"
	"github.com/urfave/cli"
)

type simpleCmd func(ctx context.Context, cliCtx *cli.Context,
	client *status.Client) (interface{}, error)

func wrapSimpleCmd(exec simpleCmd) func(ctx *cli.Context) error {
	return func(ctx *cli.Context) error {
		client := getClient(ctx)

		resp, err := exec(context.Background(), ctx, client)
		if err != nil {
			return err
		}

		if resp != nil {
			printRespJSON(resp)
		}
		return nil
	}
}

func printRespJSON(resp interface{}) {
	jsonStr, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		fmt.Println("unable to decode response: ", err)
		return
	}

	fmt.Println(string(jsonStr))
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[auctioncli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()

	app.Name = "auctioncli"
	app.Usage = "control plane for the auction server"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "statusserver",
			Value: "localhost:1100",
			Usage: "auctionserver daemon status address host:port",
		},
		cli.StringFlag{
			Name:  "urlprefix",
			Value: "/v1",
			Usage: "prefix of all status server endpoints",
		},
	}
	addCommands(app)

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

func getClient(ctx *cli.Context) *status.Client {
	return status.NewClient(
		ctx.GlobalString("statusserver"),
		ctx.GlobalString("urlprefix"),
	)
}
