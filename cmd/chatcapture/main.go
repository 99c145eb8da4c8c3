// Command chatcapture runs the channel capture service: it hands chat
// channels to a bot, drives the webhook turn loop and releases channels to a
// Studio flow or the post-survey pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/techmatters/serverless-sub000/pkg/api"
	"github.com/techmatters/serverless-sub000/pkg/bus"
	"github.com/techmatters/serverless-sub000/pkg/config"
	"github.com/techmatters/serverless-sub000/pkg/events"
	"github.com/techmatters/serverless-sub000/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("chatcapture", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "chatcapture.yaml", "path to the YAML or JSON config file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log.level")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	svc, err := wire(ctx, cfg, msgBus)
	if err != nil {
		return err
	}
	defer svc.close()

	server := api.NewServer(cfg, svc.captures, svc.turns, msgBus)
	if svc.store != nil {
		server.SetHealthCheck("storage", svc.store.Health)
		if cfg.Storage.Backend == config.BackendLocal {
			server.SetLocalBackend(svc.store)
		}
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	startedAt := time.Now()

	if svc.store != nil && svc.ledger != nil {
		go pruneDeliveries(ctx, svc.store)
	}

	logger.InfoCF("main", "Capture service running", map[string]interface{}{
		"addr":        cfg.ListenAddr(),
		"storage":     cfg.Storage.Backend,
		"bot_runtime": cfg.Bot.Runtime,
		"dedupe":      svc.ledger != nil,
	})
	msgBus.PublishSystem(bus.SystemEvent{
		Type:   events.SystemStarted,
		Source: "main",
		Data:   events.SystemEventData{Message: "capture service started"},
	})

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")
	msgBus.PublishSystem(bus.SystemEvent{
		Type:   events.SystemStopping,
		Source: "main",
		Data: events.SystemEventData{
			Uptime:  int64(time.Since(startedAt).Seconds()),
			Message: "capture service stopping",
		},
	})

	if err := server.Stop(); err != nil {
		logger.ErrorCF("main", "API server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	// Let background guard-task removals finish before exiting.
	svc.releaser.Drain()
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chatcapture hands chat channels to a bot and releases them when the
dialog ends.

Configuration is read from --config and overridden by CHATCAPTURE_*
environment variables.

Usage:
  chatcapture [flags]

Flags:
%s`, flagSet.FlagUsages())
}
