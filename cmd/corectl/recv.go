package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/nexusshell/corectl/logging"
	"github.com/nexusshell/corectl/transfer"
)

type recvCommand struct {
	configFile    string
	transportKind string
	listenAddr    string
	localNode     string
	outFile       string
	waitFor       string
	timeout       time.Duration
}

func (*recvCommand) Name() string     { return "recv" }
func (*recvCommand) Synopsis() string { return "accept one transfer and write it to a file" }
func (*recvCommand) Usage() string {
	return "recv -out <path> -wait-for <transfer-id> [flags]\n"
}

func (c *recvCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configFile, "config", "", "optional TOML config file overriding the defaults")
	f.StringVar(&c.transportKind, "transport", "tcp", "transport: tcp or fifo")
	f.StringVar(&c.listenAddr, "listen", ":9090", "local TCP address to listen on (tcp transport)")
	f.StringVar(&c.localNode, "node", "", "this node's name; for tcp it must be an address the peer can dial back, default the listen address")
	f.StringVar(&c.outFile, "out", "", "destination file path (required)")
	f.StringVar(&c.waitFor, "wait-for", "", "transfer id to accept (required; minted by the sender's logs)")
	f.DurationVar(&c.timeout, "timeout", 5*time.Minute, "how long to wait for the expected transfer to arrive")
}

func (c *recvCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.outFile == "" || c.waitFor == "" {
		fmt.Fprintln(flag.CommandLine.Output(), c.Usage())
		return subcommands.ExitUsageError
	}

	cfg, ok := loadConfig(c.configFile)
	if !ok {
		return subcommands.ExitFailure
	}

	transport, err := newTransport(ctx, c.transportKind, c.listenAddr, "")
	if err != nil {
		logging.Transfer.WithError(err).Error("construct transport")
		return subcommands.ExitFailure
	}
	defer transport.Close()

	node := localNodeName(c.localNode, transport, "receiver")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager := transfer.NewManager(ctx, transfer.ManagerConfig{
		LocalNode:         node,
		Transport:         transport,
		ChunkSize:         cfg.ChunkSizeBytes,
		PerMessageTimeout: cfg.PerMessageTimeout,
		MaxRetries:        cfg.MaxRetries,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		transfer.NewReaper(manager, cfg.CleanupInterval).Run(gctx)
		return nil
	})

	status := c.receiveOne(ctx, manager)
	cancel()
	_ = g.Wait()
	return status
}

func (c *recvCommand) receiveOne(ctx context.Context, manager *transfer.Manager) subcommands.ExitStatus {
	id := transfer.TransferId(c.waitFor)
	if !awaitTracker(ctx, manager, id, c.timeout) {
		logging.Transfer.WithField("transfer_id", c.waitFor).Error("no transfer request arrived before timeout")
		return subcommands.ExitFailure
	}

	sink := transfer.NewFileSink(c.outFile, 0)
	if err := manager.ReceiveTransfer(ctx, id, sink); err != nil {
		logging.Transfer.WithError(err).WithField("transfer_id", c.waitFor).Error("receive transfer")
		return subcommands.ExitFailure
	}

	logging.Transfer.WithField("transfer_id", c.waitFor).Info("transfer received")
	return subcommands.ExitSuccess
}

// awaitTracker polls for the inbound TransferRequest's tracker to appear,
// since ReceiveTransfer requires one to already exist (it is created by
// the dispatch loop's HandleTransferRequest handler on receipt).
func awaitTracker(ctx context.Context, manager *transfer.Manager, id transfer.TransferId, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := manager.Trackers()[id]; ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
