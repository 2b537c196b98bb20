package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// keySender is the part of the controller interactive mode drives.
type keySender interface {
	ExecuteCommand(ctx context.Context, deviceID, keyCode byte) error
}

func (a *app) newInteractiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Read key names from stdin and send them",
		Long: `Connect to the hub and read one command per line: "up", "down", any
key name from the [keys] catalog, a numeric code, or "quit".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.connect(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer c.Stop()
			return a.interactive(cmd.Context(), c, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// interactive runs until quit, EOF, ctx cancellation or a send failure.
func (a *app) interactive(ctx context.Context, c keySender, in io.Reader, out io.Writer) error {
	names := a.cfg.KeyNames()
	sort.Strings(names)
	fmt.Fprintf(out, "commands: up, down, %s, quit\n", strings.Join(names, ", "))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.ToLower(strings.TrimSpace(l))
		}
		switch line {
		case "":
			continue
		case "quit", "exit", "q":
			return nil
		case "up", "down":
			line = "volume_" + line
		}
		code, err := a.cfg.Key(line)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		if err := c.ExecuteCommand(ctx, a.cfg.TargetDevice, code); err != nil {
			return err
		}
		fmt.Fprintf(out, "sent key=0x%02X\n", code)
	}
}
