// relayd - TLS session relay: agent check-in server, reverse-shell
// bridge and SOCKS5 sidecar supervisor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"relayd/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}
