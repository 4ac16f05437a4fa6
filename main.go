package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/urfave/cli"

	"github.com/skroutz/aggrconf/config"
)

var (
	sigCh  = make(chan os.Signal, 1)
	cfg    = config.Default()
	logger = log.NewNopLogger()
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "aggrconf"
	app.Usage = "Configure and inspect aggregations on AnyLog operators"
	app.HideVersion = true

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "`FILE` to load config from",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "Log debug messages",
		},
	}
	app.Before = setup

	app.Commands = cli.Commands{
		setCommand,
		insightsCommand,
		throughputCommand,
		insertCommand,
		recordsCommand,
	}

	return app
}

// setup loads the configuration and initializes the logger.
func setup(c *cli.Context) error {
	logger = newLogger(c.Bool("verbose"))

	if err := parseCliConfig(c); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func newLogger(verbose bool) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if verbose {
		return level.NewFilter(l, level.AllowDebug())
	}
	return level.NewFilter(l, level.AllowInfo())
}

// component returns a logger tagged with the name of a component.
func component(name string) log.Logger {
	return log.With(logger, "component", name)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			level.Warn(logger).Log("msg", "Shutting down gracefully...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
