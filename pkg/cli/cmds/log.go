package cmds

import (
	"io"
	"os"
	"sync"

	"github.com/meshd-io/meshd/pkg/version"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Log holds the logging flag values shared by all commands.
type Log struct {
	LogFile         string
	AlsoLogToStderr bool
}

var (
	LogConfig Log

	LogFileFlag = &cli.StringFlag{
		Name:        "log",
		Aliases:     []string{"l"},
		Usage:       "(logging) Log to file",
		Destination: &LogConfig.LogFile,
		EnvVars:     []string{version.ProgramUpper + "_LOG"},
	}
	AlsoLogToStderrFlag = &cli.BoolFlag{
		Name:        "alsologtostderr",
		Usage:       "(logging) Log to standard error as well as file (if set)",
		Destination: &LogConfig.AlsoLogToStderr,
	}

	logSetupOnce sync.Once
)

// InitLogging wraps a command action with logrus setup: level from the
// debug flag, and rotated file output when --log is set.
func InitLogging(action cli.ActionFunc) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		logSetupOnce.Do(setupLogging)
		if action != nil {
			return action(ctx)
		}
		return nil
	}
}

func setupLogging() {
	if Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if LogConfig.LogFile == "" {
		return
	}
	var out io.Writer = &lumberjack.Logger{
		Filename:   LogConfig.LogFile,
		MaxSize:    50,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	if LogConfig.AlsoLogToStderr {
		out = io.MultiWriter(out, os.Stderr)
	}
	logrus.SetOutput(out)
}
