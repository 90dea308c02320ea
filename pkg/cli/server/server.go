// Package server is the CLI entry that resolves configuration and runs the
// node until shutdown.
package server

import (
	"github.com/meshd-io/meshd/pkg/cli/cmds"
	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/node"
	"github.com/meshd-io/meshd/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Run resolves the node configuration from flags and persisted state and
// runs the node until a shutdown signal.
func Run(cliCtx *cli.Context) error {
	cfg := &config.Node{
		NodeID:      cmds.ServerConfig.NodeID,
		NodeIP:      cmds.ServerConfig.NodeIP,
		Port:        cmds.ServerConfig.Port,
		APIListen:   cmds.ServerConfig.APIListen,
		DataDir:     cmds.ServerConfig.DataDir,
		DownloadDir: cmds.ServerConfig.DownloadDir,
		Passphrase:  cmds.ServerConfig.Passphrase,
		GatewayMode: cmds.ServerConfig.Gateway,
		KnownPeers:  cmds.ServerConfig.Peers.Value(),
		Debug:       cmds.Debug,
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = config.DefaultDownloadDir()
	}
	if cfg.NodeIP == "" {
		cfg.NodeIP = config.DetectNodeIP()
		logrus.Infof("Detected node IP %s", cfg.NodeIP)
	}
	if err := cfg.ResolveIdentity(); err != nil {
		return err
	}

	ctx := signals.SetupSignalContext()
	return node.New(cfg).Run(ctx)
}
