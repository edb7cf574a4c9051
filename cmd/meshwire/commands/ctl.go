package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/meshwire/internal/config"
	"github.com/WebFirstLanguage/meshwire/pkg/control"
)

func ctlCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ctl <method> [key=value ...]",
		Short: "Call the control API of a running node",
		Long: `Call the control API of a running node. Methods:

  GetInfo
  peers
  SendMessage text=<text>
  SendPrivateMessage peer_id=<peer> text=<text>
  Handshake peer_id=<peer>`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			addr := a.cfg.Control.Listen
			if addr == "" {
				addr = config.DefaultControlAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := control.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Call(ctx, args[0], params)
			if err != nil {
				return err
			}

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, result, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", arg)
		}
		params[key] = value
	}
	return params, nil
}
