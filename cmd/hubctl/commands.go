package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/danmuck/hubctl/internal/protocol/frame"
	"github.com/spf13/cobra"
)

func (a *app) newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Wait for the hub to connect and print every frame it sends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer c.Stop()

			out := cmd.OutOrStdout()
			s, _ := c.Session()
			fmt.Fprintf(out, "hub connected from %s\n", s.Peer)
			return c.Monitor(cmd.Context(), func(f frame.Frame) {
				fmt.Fprintf(out, "%s command=%s data=% X\n",
					time.Now().Format(time.TimeOnly), protocol.Command(f.Command), f.Data)
			})
		},
	}
}

func (a *app) newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Discover, accept and authenticate, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer c.Stop()

			s, _ := c.Session()
			fmt.Fprintf(cmd.OutOrStdout(), "authenticated: peer=%s session=%s auth_len=%d\n",
				s.Peer, s.SessionID, s.AuthResponse.Len())
			return nil
		},
	}
}

func (a *app) newSendCmd() *cobra.Command {
	var (
		device   int
		key      string
		repeat   int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a key command to the hub",
		Long: `Send a key command to the hub. --key takes a catalog name from the
[keys] config section or a numeric code such as 0xB6.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := a.cfg.Key(key)
			if err != nil {
				return err
			}
			dev := a.cfg.TargetDevice
			if cmd.Flags().Changed("device") {
				if device < 0 || device > 0xFF {
					return fmt.Errorf("device %d does not fit in one byte", device)
				}
				dev = uint8(device)
			}
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.RepeatInterval
			}
			return a.send(cmd, dev, code, repeat, interval)
		},
	}
	cmd.Flags().IntVar(&device, "device", 0, "Target device byte (default from config)")
	cmd.Flags().StringVar(&key, "key", "", "Key name or code")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Number of times to send")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between repeats (default from config)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func (a *app) newVolumeCmd() *cobra.Command {
	var repeat int
	cmd := &cobra.Command{
		Use:       "volume up|down",
		Short:     "Send volume up or volume down",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := strings.ToLower(args[0])
			if dir != "up" && dir != "down" {
				return fmt.Errorf("volume direction must be up or down, got %q", args[0])
			}
			code, err := a.cfg.Key("volume_" + dir)
			if err != nil {
				return err
			}
			return a.send(cmd, a.cfg.TargetDevice, code, repeat, a.cfg.RepeatInterval)
		},
	}
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Number of times to send")
	return cmd
}

func (a *app) send(cmd *cobra.Command, device, code uint8, repeat int, interval time.Duration) error {
	c, err := a.connect(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer c.Stop()

	sent, err := c.RepeatCommand(cmd.Context(), device, code, repeat, interval)
	fmt.Fprintf(cmd.OutOrStdout(), "sent %d/%d key=0x%02X device=0x%02X\n", sent, repeat, code, device)
	return err
}
