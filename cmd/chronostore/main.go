// Command chronostore seeds, exports, queries and archives bitemporal entity
// history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chronostore/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
