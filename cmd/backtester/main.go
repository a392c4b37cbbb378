package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	configPath string
	logLevel   string
)

func setupLogger() error {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if logLevel == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "backtester"
	app.Usage = "replay historical bars through a trading strategy"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to the YAML config file",
			EnvVars:     []string{"BACKTEST_CONFIG"},
			TakesFile:   true,
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "overrides the configured log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
	}
	app.Before = func(*cli.Context) error {
		return setupLogger()
	}
	app.Commands = []*cli.Command{
		runCommand,
		optimizeCommand,
		importCommand,
		runsCommand,
		watchCommand,
	}
	return app
}

func main() {
	app := newApp()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("Backtester failed")
	}
}
