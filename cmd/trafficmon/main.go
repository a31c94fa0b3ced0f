package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"trafficmon/internal/transports/cli"
	"trafficmon/pkg/logger"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.New(buildVersion())
	if err := root.ExecuteContext(ctx); err != nil {
		logger.New("").Error("command failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func buildVersion() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if date != "" {
		v += " " + date
	}
	return v
}
