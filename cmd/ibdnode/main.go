// Command ibdnode is the IBD core's command-line entrypoint: `run`
// starts the sync machine against a data directory and a configured
// peer set, `status` prints a snapshot of where a (possibly stopped)
// node's chainstate currently stands.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/olekukonko/tablewriter"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/btcibd/node/chainstate"
	"github.com/btcibd/node/internal/chainparams"
	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/ibdconfig"
	"github.com/btcibd/node/node"
	"github.com/btcibd/node/peertransport"
)

var log = clog.New("module", "cmd/ibdnode")

func main() {
	app := cli.NewApp()
	app.Name = "ibdnode"
	app.Usage = "Bitcoin Initial Block Download core"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "ibdnode.toml", Usage: "path to TOML config file"},
		cli.StringFlag{Name: "datadir", Usage: "overrides data_dir from the config file"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "sync the chain from genesis (or resume point) to tip",
			Action: func(c *cli.Context) error {
				return runCommand(c)
			},
		},
		{
			Name:  "status",
			Usage: "print the current sync state",
			Action: func(c *cli.Context) error {
				return statusCommand(c)
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("fatal", "err", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (ibdconfig.Config, error) {
	cfg, err := ibdconfig.Load(c.GlobalString("config"))
	if err != nil {
		if !os.IsNotExist(err) {
			return ibdconfig.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = ibdconfig.Default()
	}
	if dir := c.GlobalString("datadir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	n, err := node.Open(cfg)
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	defer n.Close()

	netParams, err := chainparams.For(chainparams.Network(cfg.Network))
	if err != nil {
		return err
	}

	for _, addr := range cfg.Peers {
		peer, err := peertransport.Dial(addr, netParams.Params, n)
		if err != nil {
			log.Warn("dial failed", "addr", addr, "err", err)
			continue
		}
		n.AddPeer(peer)
		go servePeer(peer)
	}

	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		defer ln.Close()
		log.Info("accepting inbound peers", "addr", cfg.ListenAddr)
		go acceptInboundPeers(ln, netParams.Params, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown requested")
		cancel()
	}()

	log.Info("starting sync", "data_dir", cfg.DataDir, "network", cfg.Network)
	return n.Run(ctx)
}

// acceptInboundPeers runs the listener's accept loop for the lifetime
// of the process, registering each inbound connection with n the same
// way a dialed peer is registered. The first Accept failure is logged
// and ends the loop; the node keeps running with the peers it has.
func acceptInboundPeers(ln net.Listener, params *chaincfg.Params, n *node.Node) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Warn("accept failed", "err", err)
			return
		}
		peer := peertransport.Accept(conn, params, n)
		n.AddPeer(peer)
		go servePeer(peer)
	}
}

// servePeer runs a connected peer's read loop until it disconnects.
func servePeer(p *peertransport.Peer) {
	if err := p.ReadLoop(); err != nil {
		log.Debug("peer read loop ended", "err", err)
	}
}

func statusCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	cs, err := chainstate.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open chainstate: %w", err)
	}
	defer cs.Close()

	tip, err := cs.ValidatedTip()
	if err != nil {
		return err
	}
	pruned, err := cs.PrunedHeight()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"data_dir", cfg.DataDir})
	table.Append([]string{"network", cfg.Network})
	table.Append([]string{"validated_tip", fmt.Sprintf("%d", tip)})
	table.Append([]string{"pruned_height", fmt.Sprintf("%d", pruned)})
	table.Append([]string{"prune_target_mb", fmt.Sprintf("%d", cfg.PruneTargetMBEffective())})
	table.Render()
	return nil
}
