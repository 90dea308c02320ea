package main

import (
	"context"
	"errors"
	"os"

	"github.com/meshd-io/meshd/pkg/cli/cmds"
	"github.com/meshd-io/meshd/pkg/cli/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cmds.NewApp()
	app.Commands = []*cli.Command{
		cmds.NewServerCommand(server.Run),
	}

	if err := app.Run(os.Args); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatal(err)
	}
}
