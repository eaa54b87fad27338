package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zlnvch/drawcast/cli"
)

func main() {
	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, "drawcast:", err)
		stop()
		os.Exit(1)
	}
}
