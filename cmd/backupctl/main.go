package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dmitrijs2005/gophbackup/internal/buildinfo"
	"github.com/dmitrijs2005/gophbackup/internal/cli"
	"github.com/dmitrijs2005/gophbackup/internal/config"
	"github.com/dmitrijs2005/gophbackup/internal/flagx"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
)

func main() {

	buildinfo.PrintBuildData(os.Stderr)

	global, rest := flagx.SplitCommand(os.Args[1:], cli.Commands)

	cfg, err := config.LoadConfig(global)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logging.NewConsoleLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cli.NewApp(cfg, logger, os.Stdin, os.Stdout).Run(ctx, rest); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}

}
