package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agaabrieel/snark/internal/config"
	"github.com/agaabrieel/snark/internal/session"
	"github.com/agaabrieel/snark/pkg/log"
)

func main() {

	cfg, err := config.Parse(os.Args[1:], os.Stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "snark: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(nil, cfg.Verbosity)
	if cfg.NoCommands {
		logger.Debug().Msg("interactive commands are not supported, --no-commands has no effect")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.New(cfg, logger).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "snark: %v\n", err)
		stop()
		os.Exit(1)
	}
}
