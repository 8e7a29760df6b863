package main

import (
	"context"
	"fmt"

	"github.com/nexusshell/corectl/transfer"
)

// newTransport picks a Transport implementation by name.
func newTransport(ctx context.Context, kind, listenAddr, dest string) (transfer.Transport, error) {
	switch kind {
	case "tcp":
		return transfer.NewTCPTransport(listenAddr)
	case "fifo":
		return transfer.NewFifoTransport(ctx, listenAddr, dest)
	default:
		return nil, fmt.Errorf("unknown transport kind %q (want tcp or fifo)", kind)
	}
}
