package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

var onlyOneSignalHandler = make(chan struct{})

// SetupSignalContext registers for SIGTERM and SIGINT. A context is returned
// which is cancelled on one of these signals. If a second signal is caught,
// the program is terminated with exit code 1.
func SetupSignalContext() context.Context {
	close(onlyOneSignalHandler) // panics when called twice

	signalHandler := make(chan os.Signal, 2)

	ctx, cancel := context.WithCancel(context.Background())
	signal.Notify(signalHandler, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signalHandler
		logrus.Debugf("Signal received: %s", s)
		cancel()
		s = <-signalHandler
		logrus.Infof("Second shutdown signal received: %s, exiting...", s)
		os.Exit(1)
	}()

	return ctx
}
