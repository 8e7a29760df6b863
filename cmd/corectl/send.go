package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/nexusshell/corectl/config"
	"github.com/nexusshell/corectl/logging"
	"github.com/nexusshell/corectl/transfer"
)

type sendCommand struct {
	configFile    string
	transportKind string
	listenAddr    string
	localNode     string
	destNode      string
	file          string
	contentType   string
}

func (*sendCommand) Name() string     { return "send" }
func (*sendCommand) Synopsis() string { return "send a file to a peer over the transfer engine" }
func (*sendCommand) Usage() string {
	return "send -dest <node> -file <path> [flags]\n"
}

func (c *sendCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configFile, "config", "", "optional TOML config file overriding the defaults")
	f.StringVar(&c.transportKind, "transport", "tcp", "transport: tcp or fifo")
	f.StringVar(&c.listenAddr, "listen", ":0", "local TCP address to listen on (tcp transport)")
	f.StringVar(&c.localNode, "node", "", "this node's name; for tcp it must be an address the peer can dial back, default the listen address")
	f.StringVar(&c.destNode, "dest", "", "destination node address (required)")
	f.StringVar(&c.file, "file", "", "path of the file to send (required)")
	f.StringVar(&c.contentType, "content-type", "application/octet-stream", "content type carried in transfer metadata")
}

func (c *sendCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.destNode == "" || c.file == "" {
		fmt.Fprintln(flag.CommandLine.Output(), c.Usage())
		return subcommands.ExitUsageError
	}

	cfg, ok := loadConfig(c.configFile)
	if !ok {
		return subcommands.ExitFailure
	}

	transport, err := newTransport(ctx, c.transportKind, c.listenAddr, c.destNode)
	if err != nil {
		logging.Transfer.WithError(err).Error("construct transport")
		return subcommands.ExitFailure
	}
	defer transport.Close()

	node := localNodeName(c.localNode, transport, "sender")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager := transfer.NewManager(ctx, transfer.ManagerConfig{
		LocalNode:           node,
		Transport:           transport,
		ChunkSize:           cfg.ChunkSizeBytes,
		PerMessageTimeout:   cfg.PerMessageTimeout,
		MaxRetries:          cfg.MaxRetries,
		SendRateBytesPerSec: cfg.SendRateBytesPerSec,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		transfer.NewReaper(manager, cfg.CleanupInterval).Run(gctx)
		return nil
	})

	id, err := manager.SendFile(ctx, c.destNode, c.file, c.contentType)
	cancel()
	_ = g.Wait()
	if err != nil {
		logging.Transfer.WithError(err).WithField("transfer_id", string(id)).Error("send file")
		return subcommands.ExitFailure
	}

	logging.Transfer.WithField("transfer_id", string(id)).Info("transfer completed")
	return subcommands.ExitSuccess
}

// loadConfig resolves the effective config: stock defaults, or the given
// TOML file layered on top of them.
func loadConfig(path string) (config.Config, bool) {
	if path == "" {
		return config.Default(), true
	}
	cfg, err := config.Load(path)
	if err != nil {
		logging.Transfer.WithError(err).Error("load config file")
		return cfg, false
	}
	return cfg, true
}

// localNodeName picks the name this peer advertises in transfer metadata.
// Replies are sent to that name, so for TCP it must be a dialable address;
// the transport's actual bound address is the only safe default.
func localNodeName(explicit string, t transfer.Transport, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if tcp, ok := t.(*transfer.TCPTransport); ok {
		return tcp.Addr()
	}
	return fallback
}
