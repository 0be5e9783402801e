// Command resolution runs the steps of the entity-resolution pipeline: syncing
// datasets from the archive, suggesting and deciding candidate pairs,
// deduplicating edges and annotating positions.
//
// Run "resolution help" for the list of commands. Settings come from
// resolution.yaml and RESOLUTION_* environment variables; see package
// internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "resolution:", err)
		stop()
		os.Exit(1)
	}
}
