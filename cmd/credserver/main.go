package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophbackup/internal/buildinfo"
	"github.com/dmitrijs2005/gophbackup/internal/config"
	"github.com/dmitrijs2005/gophbackup/internal/credserver"
	"github.com/dmitrijs2005/gophbackup/internal/flagx"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
)

func main() {

	buildinfo.PrintBuildData(os.Stderr)

	cfg, err := config.LoadServerConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// -issue prints an access token for the account and exits
	var issue string
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.StringVar(&issue, "issue", "", "issue an access token for this account and exit")
	_ = fs.Parse(flagx.FilterArgs(os.Args[1:], []string{"-issue"}))

	logger := logging.NewJSONLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	srv := credserver.NewServer(cfg.EndpointAddrGRPC, logger, cfg.SecretKey, cfg.CredentialValidity, uint32(cfg.CdnNumber))

	if issue != "" {
		token, err := srv.IssueAccessToken(issue, cfg.AccessValidity)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error(ctx, "credentials server stopped", "error", err)
		stop()
		os.Exit(1)
	}

}
