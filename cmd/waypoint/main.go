// File: cmd/waypoint/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/waypoint/cmd"
	"github.com/xkilldash9x/waypoint/internal/observability"
)

func main() {
	// SIGINT and SIGTERM cancel the running operation; its record is still printed.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

// run executes the CLI and maps its error to an exit code. A cancelled run is
// a clean shutdown.
func run(ctx context.Context) int {
	defer observability.Sync()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		return 1
	}
	return 0
}
