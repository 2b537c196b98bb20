package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/hubctl/internal/hubsim"
	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hubsim: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := hubsim.DefaultConfig()
	var logLevel string
	cmd := &cobra.Command{
		Use:          "hubsim",
		Short:        "Run a local hub simulator for hubctl development",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			if logLevel != "" && !logging.SetLevel(logLevel) {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			hub, err := hubsim.Start(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hub %s listening on %s\n", hub.ID(), hub.Addr())
			<-cmd.Context().Done()
			err = hub.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d frames\n", len(hub.Records()))
			return err
		},
	}
	cmd.Flags().StringVar(&cfg.DiscoveryAddr, "addr", cfg.DiscoveryAddr, "UDP discovery listen address")
	cmd.Flags().IntVar(&cfg.ReplyPort, "reply-port", protocol.DefaultResponsePort, "Send discovery replies to this port (0 replies to sender)")
	cmd.Flags().DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "Timeout for connecting back to the controller")
	cmd.Flags().DurationVar(&cfg.ConnectDelay, "connect-delay", 0, "Delay before connecting back")
	cmd.Flags().BoolVar(&cfg.SilentAuth, "silent-auth", false, "Never answer auth requests")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	return cmd
}
