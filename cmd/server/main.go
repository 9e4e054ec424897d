package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/machine-bridge/backend/internal/api"
	"github.com/machine-bridge/backend/internal/config"
	"github.com/machine-bridge/backend/internal/discovery"
	"github.com/machine-bridge/backend/internal/emulation"
	"github.com/machine-bridge/backend/internal/machine"
	"github.com/machine-bridge/backend/internal/metric"
	"github.com/machine-bridge/backend/internal/store"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	port := pflag.IntP("port", "p", 0, "override API server port")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	known, err := store.OpenKnownMachines(cfg.GetTokenStorePath())
	if err != nil {
		fmt.Printf("Failed to open token store: %v\n", err)
		os.Exit(1)
	}

	metrics := metric.New()
	channel := api.NewChannel(cfg.Channel, metrics)
	manager := machine.NewManager(cfg, channel, metrics, known)
	disco := discovery.NewService(channel)
	registry := api.NewRegistry(manager, disco)

	server := api.NewServer(&api.Dependencies{
		Config:   cfg,
		Channel:  channel,
		Registry: registry,
		Metrics:  metrics,
		Version:  Version,
	})

	octoprint := emulation.NewOctoPrint(manager, metrics, cfg.Emulation, cfg.GetUploadDir(), cfg.PrintTimeout())
	if err := octoprint.Start(); err != nil {
		fmt.Printf("Failed to start OctoPrint emulation: %v\n", err)
		os.Exit(1)
	}
	moonraker := emulation.NewMoonraker(manager, metrics, cfg.Emulation, cfg.GetUploadDir(), cfg.PrintTimeout())
	if err := moonraker.Start(); err != nil {
		fmt.Printf("Failed to start Moonraker emulation: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Machine Bridge %s (built %s)\n", Version, BuildTime)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Printf("Server error: %v\n", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if manager.Session() != nil {
		if err := manager.Close(ctx); err != nil {
			fmt.Printf("Warning: closing machine connection: %v\n", err)
		}
	}
	if err := octoprint.Stop(); err != nil {
		fmt.Printf("Warning: stopping OctoPrint emulation: %v\n", err)
	}
	if err := moonraker.Stop(); err != nil {
		fmt.Printf("Warning: stopping Moonraker emulation: %v\n", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		fmt.Printf("Warning: server shutdown: %v\n", err)
	}

	fmt.Println("Shutdown complete")
}
