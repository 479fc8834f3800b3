package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/devreg/protocol/publish/cmd/devreg-publish/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := commands.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
