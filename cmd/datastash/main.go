package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwygoda/datastash/internal/cli/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
