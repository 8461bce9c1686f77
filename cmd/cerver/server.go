package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dcrodman/cerver/internal"
	"github.com/dcrodman/cerver/internal/core"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "run a cerver",
		Description: "Runs a cerver until it receives SIGINT or SIGTERM.",
		Action:      server,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the config file",
				EnvVars: []string{"CERVER_CONFIG"},
				Value:   "./",
			},
		},
	}
}

func server(cc *cli.Context) error {
	configPath := cc.String("config")
	config, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Println("using configuration file:", configPath)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(filepath.Clean(configPath)); err != nil {
		return fmt.Errorf("error changing to config directory: %w", err)
	}

	// Bind the Controller to one top-level context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(cc.Context)
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the cerver down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("shut down")
	return nil
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
