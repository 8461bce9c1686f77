// The analyzer command decodes cerver frames from a pcap capture and summarizes
// the packets exchanged between clients and a cerver.
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "analyzer"
	app.Usage = "summarize the cerver packets in a pcap capture"
	app.ArgsUsage = "capture.pcap [capture.pcap...]"
	app.Flags = []cli.Flag{
		&cli.UintFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port the cerver was listening on",
			Value:   7000,
		},
		&cli.Uint64Flag{
			Name:  "max-packet-size",
			Usage: "Frames declaring a larger payload are counted as bad (0 means no limit)",
			Value: 8 * 1024 * 1024,
		},
	}
	app.Action = analyzeFiles

	return app
}

func analyzeFiles(cc *cli.Context) error {
	if cc.NArg() == 0 {
		return fmt.Errorf("at least one capture file is required")
	}

	for _, filename := range cc.Args().Slice() {
		f, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("unable to open capture %s: %w", filename, err)
		}

		report, err := analyze(f, uint16(cc.Uint("port")), cc.Uint64("max-packet-size"))
		f.Close()
		if err != nil {
			return fmt.Errorf("unable to analyze capture %s: %w", filename, err)
		}

		pterm.DefaultSection.Println(filename)
		if err := report.Render(os.Stdout); err != nil {
			return err
		}
	}
	return nil
}
