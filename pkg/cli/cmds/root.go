package cmds

import (
	"fmt"
	"runtime"

	"github.com/meshd-io/meshd/pkg/version"
	"github.com/urfave/cli/v2"
)

var (
	// Debug turns on debug logging for every command.
	Debug     bool
	DebugFlag = &cli.BoolFlag{
		Name:        "debug",
		Usage:       "(logging) Turn on debug logs",
		Destination: &Debug,
		EnvVars:     []string{version.ProgramUpper + "_DEBUG"},
	}
)

// NewApp builds the root CLI application.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = version.Program
	app.Usage = "Decentralized LAN mesh node for messaging and file transfer"
	app.Version = fmt.Sprintf("%s (%s)", version.Version, version.GitCommit)
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("%s version %s\n", app.Name, app.Version)
		fmt.Printf("go version %s\n", runtime.Version())
	}
	app.Flags = []cli.Flag{
		DebugFlag,
	}
	return app
}
