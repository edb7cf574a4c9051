package commands

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/meshwire/pkg/fragment"
	"github.com/WebFirstLanguage/meshwire/pkg/identity"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <hex>",
		Short: "Decode a hex-encoded packet and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid hex: %w", err)
			}
			p, err := wire.Decode(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:   %d\n", p.Version)
			fmt.Fprintf(out, "Type:      %s\n", p.Type)
			fmt.Fprintf(out, "TTL:       %d\n", p.TTL)
			fmt.Fprintf(out, "Timestamp: %d (%s)\n", p.Timestamp, p.GetTimestamp().UTC().Format(time.RFC3339Nano))
			fmt.Fprintf(out, "Sender:    %s\n", p.SenderHex())
			if p.RecipientID != nil {
				fmt.Fprintf(out, "Recipient: %s\n", p.RecipientID)
			}
			fmt.Fprintf(out, "Payload:   %d bytes\n", len(p.Payload))
			fmt.Fprintf(out, "Signed:    %t\n", len(p.Signature) > 0)

			switch p.Type {
			case wire.TypeAnnounce:
				ann, err := wire.AnnouncementFromPayload(p.Payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Nickname:  %s\n", ann.Nickname)
				fmt.Fprintf(out, "Noise key: %x\n", ann.NoisePublicKey)
				if len(p.Signature) > 0 {
					fmt.Fprintf(out, "Valid:     %t\n", identity.VerifySignature(p, ann.SigningPublicKey))
				}
			case wire.TypeMessage, wire.TypeLeave:
				fmt.Fprintf(out, "Text:      %q\n", p.Payload)
			case wire.TypeFragment:
				env, err := fragment.DecodeEnvelope(p.Payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Fragment:  %d/%d of %s (%d bytes)\n", int(env.Index)+1, env.Total, env.ID, len(env.Data))
			}
			return nil
		},
	}
}
