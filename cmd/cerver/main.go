// The cerver command runs a packet-framed TCP server configured from config.yaml.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Printf("cerver error: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "cerver"
	app.Usage = "packet-framed TCP server"
	app.Commands = []*cli.Command{
		serverCommand(),
	}
	app.DefaultCommand = "server"

	return app
}
