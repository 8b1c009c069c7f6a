package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stackwatch/stackwatch/internal/adapters/docker"
	httpadapter "github.com/stackwatch/stackwatch/internal/adapters/http"
	"github.com/stackwatch/stackwatch/internal/bridge"
	"github.com/stackwatch/stackwatch/internal/cache"
	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/dispatch"
	"github.com/stackwatch/stackwatch/internal/prefs"
	"github.com/stackwatch/stackwatch/internal/updates"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "stackwatch",
		Short: "Container fleet monitor with update detection and a Home Assistant bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	clk := clock.WallClock

	// Infrastructure adapters.
	engine, err := docker.NewAdapter(cfg.Engine.Timeout, cfg.Engine.PullTimeout, log)
	if err != nil {
		return fmt.Errorf("initializing engine adapter: %w", err)
	}

	// Core services, wired bottom-up: the cache feeds everything, the
	// detector stamps update verdicts back onto it.
	snapshots := cache.New(engine, cfg.Refresh.Interval, clk, log)
	detector := updates.New(engine, engine, snapshots, clk, log)
	detector.SetDefaultInterval(cfg.Updates.Interval)
	snapshots.SetUpdateSource(detector)
	dispatcher := dispatch.New(engine, snapshots, log)

	prefStore := prefs.NewStore(cfg.PrefsPath, log)
	if err := prefStore.Watch(ctx.Done()); err != nil {
		log.WithError(err).Warn("preference hot reload unavailable")
	}

	bus := bridge.New(bridge.Config{
		Broker:          cfg.MQTT.Broker,
		Port:            cfg.MQTT.Port,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		BaseTopic:       cfg.MQTT.BaseTopic,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		NodeID:          cfg.MQTT.NodeID,
		StateInterval:   cfg.MQTT.StateInterval,
		Debounce:        cfg.MQTT.Debounce,
	}, snapshots, dispatcher, engine, prefStore, clk, log)

	go snapshots.Run(ctx)
	go detector.Run(ctx)
	go func() {
		if err := bus.Run(ctx); err != nil {
			log.WithError(err).Error("bus bridge stopped")
		}
	}()

	// HTTP surface.
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler := httpadapter.NewFleetHandler(snapshots, detector, dispatcher, bus, prefStore, engine, log)
	httpadapter.Register(app, handler)

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Warn("http shutdown failed")
		}
	}()

	log.WithField("listen", cfg.HTTP.Listen).Info("stackwatch started")
	if err := app.Listen(cfg.HTTP.Listen); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
