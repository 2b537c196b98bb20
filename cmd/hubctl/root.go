package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/controller"
	"github.com/danmuck/hubctl/internal/discovery"
	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/observability"
	"github.com/danmuck/hubctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app carries the global flags and the resolved configuration.
type app struct {
	configPath  string
	hubAddr     string
	listenAddr  string
	metricsAddr string
	logLevel    string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "hubctl",
		Short: "Control an IR/RF home-theater hub over its LAN protocol",
		Long: `hubctl announces itself to the hub over UDP, accepts the hub's TCP
connection, authenticates, and sends key commands such as volume up/down.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to hubctl TOML config")
	cmd.PersistentFlags().StringVar(&a.hubAddr, "hub", "", "Hub address (host or host:port)")
	cmd.PersistentFlags().StringVar(&a.listenAddr, "listen", "", "Controller TCP listen address")
	cmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(a.newListenCmd())
	cmd.AddCommand(a.newAuthCmd())
	cmd.AddCommand(a.newSendCmd())
	cmd.AddCommand(a.newVolumeCmd())
	cmd.AddCommand(a.newInteractiveCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	logging.ConfigureRuntime()
	if a.logLevel != "" && !logging.SetLevel(a.logLevel) {
		return fmt.Errorf("unknown log level %q", a.logLevel)
	}

	cfg := config.DefaultConfig()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.hubAddr != "" {
		cfg.HubAddr = strings.TrimSpace(a.hubAddr)
	}
	if a.listenAddr != "" {
		cfg.ListenAddr = strings.TrimSpace(a.listenAddr)
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = strings.TrimSpace(a.metricsAddr)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.MetricsAddr != "" {
		go func(ctx context.Context, addr string) {
			if err := observability.Serve(ctx, addr); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
			}
		}(cmd.Context(), cfg.MetricsAddr)
	}
	return nil
}

// connect starts the controller, retrying discovery timeouts with backoff.
func (a *app) connect(ctx context.Context, listenOnly bool) (*controller.Client, error) {
	ctl := a.cfg.Controller()
	if listenOnly {
		ctl.SkipDiscovery = true
		ctl.SkipAuth = true
	} else if a.cfg.HubAddr == "" {
		return nil, fmt.Errorf("hub address required: set --hub or [hub] addr")
	}

	logger := logging.Component("hubctl")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempts := a.cfg.DiscoveryMaxAttempts
	if listenOnly || attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := controller.Start(ctx, ctl)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}
		delay := session.NextBackoffDelay(ctl.Session.Backoff, attempt, rng)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("hub not reachable, retrying")
		if err := session.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return errors.Is(err, discovery.ErrTimeout) || errors.Is(err, session.ErrAcceptTimeout)
}
