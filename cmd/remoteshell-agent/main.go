// RemoteShell agent: connects to the coordinator and executes dispatched
// commands under the local policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/remoteshell/remoteshell/internal/agent"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to agent config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("remoteshell-agent %s\n", agent.Version)
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Optional rotating log file alongside stderr.
	if cfg.Logging.File != "" {
		fileWriter, err := agent.NewLogWriter(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open log file")
		}
		defer func() { _ = fileWriter.Close() }()
		multi := zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			io.Writer(fileWriter),
		)
		log = zerolog.New(multi).With().Timestamp().Logger()
	}

	setLogLevel(cfg.Logging.Level)

	log.Info().
		Str("version", agent.Version).
		Msg("RemoteShell agent starting")

	a := agent.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Close()
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printUsage() {
	fmt.Printf(`Usage: remoteshell-agent [options]

RemoteShell agent %s - executes commands dispatched by the coordinator.

Options:
  -config PATH    Path to the YAML config file (default: config.yaml)
  -v, -version    Print version and exit

Environment variables:
  REMOTESHELL_AGENT_URL     Coordinator WebSocket URL (overrides server.url)
  REMOTESHELL_AGENT_TOKEN   Authentication token (overrides server.token)
`, agent.Version)
}
