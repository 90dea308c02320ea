package cmds

import (
	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/version"
	"github.com/urfave/cli/v2"
)

// Server holds the server command flag values.
type Server struct {
	NodeID      string
	NodeIP      string
	Port        int
	APIListen   string
	DataDir     string
	DownloadDir string
	Passphrase  string
	Gateway     bool
	Peers       cli.StringSlice
}

var ServerConfig Server

// NewServerCommand builds the server command running the node itself.
func NewServerCommand(action cli.ActionFunc) *cli.Command {
	return &cli.Command{
		Name:      "server",
		Usage:     "Run the mesh node",
		UsageText: version.Program + " server [OPTIONS]",
		Action:    InitLogging(action),
		Flags: []cli.Flag{
			DebugFlag,
			LogFileFlag,
			AlsoLogToStderrFlag,
			&cli.StringFlag{
				Name:        "node-id",
				Usage:       "(node) Override the persisted node identity",
				Destination: &ServerConfig.NodeID,
				EnvVars:     []string{version.ProgramUpper + "_NODE_ID"},
			},
			&cli.StringFlag{
				Name:        "node-ip",
				Usage:       "(node) IPv4 address to advertise; autodetected when empty",
				Destination: &ServerConfig.NodeIP,
				EnvVars:     []string{version.ProgramUpper + "_NODE_IP"},
			},
			&cli.IntFlag{
				Name:        "port",
				Usage:       "(network) Mesh TCP port",
				Value:       config.DefaultPort,
				Destination: &ServerConfig.Port,
				EnvVars:     []string{version.ProgramUpper + "_PORT"},
			},
			&cli.StringFlag{
				Name:        "api-listen",
				Usage:       "(panel) Listen address for the panel API",
				Value:       "127.0.0.1:5080",
				Destination: &ServerConfig.APIListen,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Aliases:     []string{"d"},
				Usage:       "(node) Directory holding mesh_config.json",
				Value:       ".",
				Destination: &ServerConfig.DataDir,
				EnvVars:     []string{version.ProgramUpper + "_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:        "download-dir",
				Usage:       "(files) Directory for received files",
				Destination: &ServerConfig.DownloadDir,
			},
			&cli.StringFlag{
				Name:        "passphrase",
				Usage:       "(network) Mesh frame passphrase; empty keeps the legacy shared key",
				Destination: &ServerConfig.Passphrase,
				EnvVars:     []string{version.ProgramUpper + "_PASSPHRASE"},
			},
			&cli.BoolFlag{
				Name:        "gateway",
				Usage:       "(routing) Advertise this node as a hotspot-host gateway",
				Destination: &ServerConfig.Gateway,
				EnvVars:     []string{version.ProgramUpper + "_GATEWAY"},
			},
			&cli.StringSliceFlag{
				Name:        "peer",
				Usage:       "(network) Known peer IP to seed the neighbor set; repeatable",
				Destination: &ServerConfig.Peers,
			},
		},
	}
}
