package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbvlabs/wsfailover/internal/client"
	"github.com/mbvlabs/wsfailover/internal/config"
	"github.com/mbvlabs/wsfailover/internal/logger"
	"github.com/mbvlabs/wsfailover/internal/metrics"
	"github.com/mbvlabs/wsfailover/internal/probe"
	"github.com/mbvlabs/wsfailover/internal/reconnect"
	"github.com/mbvlabs/wsfailover/internal/relay"
	"github.com/mbvlabs/wsfailover/internal/watcher"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "wsfailover",
		Short:         "Keep a JSON-RPC WebSocket subscription alive across a list of endpoints",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case sig := <-sigChan:
					fmt.Printf("\nReceived signal: %v\n", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return run(ctx, configPath)
		},
	}
	cmd.SetVersionTemplate("wsfailover version {{.Version}}\n")
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to the TOML config file")

	return cmd
}

// run wires every component and blocks until ctx ends or one of them fails.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting wsfailover",
		zap.String("version", Version),
		zap.Strings("endpoints", cfg.Endpoints.URLs),
		zap.String("liveness", cfg.Liveness.Mode),
	)

	transportOpts := cfg.TransportOptions()
	transportOpts.Logger = log
	p, err := probe.New(cfg.ProbeConfig(), transportOpts)
	if err != nil {
		return err
	}

	var engineOpts []reconnect.Option
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		engineOpts = append(engineOpts, reconnect.WithRecorder(m))
	}

	c := client.New(client.Config{
		Endpoints:    cfg.Endpoints.URLs,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		BaseDelay:    cfg.Reconnect.BaseDelay,
		CoolDown:     cfg.Reconnect.CoolDown,
		ProbeTimeout: cfg.Reconnect.ProbeTimeout,
		Probe:        p,
		Logger:       log,
	}, engineOpts...)
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("Client close reported errors", zap.Error(err))
		}
	}()

	hub := relay.NewHub(log)
	c.Events(hub)
	if m != nil {
		c.Events(m)
	}

	if err := c.Start(ctx); err != nil {
		return err
	}
	if m != nil {
		m.SetConnected(true)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, 4)

	if ns := cfg.Relay.Subscribe.Namespace; ns != "" {
		sub, err := c.Subscribe(ctx, ns, cfg.SubscribeArgs()...)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ns, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Forward(ctx, sub)
		}()
	}

	// Start relay server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.NewServer(cfg.Relay.Addr, hub, c).Run(ctx); err != nil {
			errChan <- fmt.Errorf("relay: %w", err)
		}
	}()

	if m != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.NewServer(cfg.Metrics.Addr, m, log).Run(ctx); err != nil {
				errChan <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	if cfg.Endpoints.File != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			onChange := func(urls []string) {
				if err := c.SetEndpoints(urls); err != nil {
					log.Warn("Could not apply endpoints", zap.Error(err))
				}
			}
			if err := watcher.RunEndpointsWatcher(ctx, cfg.Endpoints.File, onChange, log); err != nil {
				errChan <- fmt.Errorf("endpoints-watcher: %w", err)
			}
		}()
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		select {
		case <-ctx.Done():
		case err := <-errChan:
			log.Error("Component failed, shutting down", zap.Error(err))
			errChan <- err
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	wg.Wait()
	<-monitorDone
	close(errChan)

	var errs error
	for err := range errChan {
		errs = multierr.Append(errs, err)
	}
	return errs
}
