package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/meshwire/pkg/identity"
)

func keygenCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a new node identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Identity.Path
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to replace it)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			id, err := identity.GenerateIdentity()
			if err != nil {
				return err
			}
			id.Nickname = a.cfg.Identity.Nickname
			if err := id.SaveToFile(path); err != nil {
				return err
			}

			a.logger.WithField("path", path).Info("identity created")
			printIdentity(cmd, id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func fingerprintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the node's peer ID and fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.LoadFromFile(a.cfg.Identity.Path)
			if err != nil {
				return err
			}
			printIdentity(cmd, id)
			return nil
		},
	}
}

func printIdentity(cmd *cobra.Command, id *identity.Identity) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Peer ID:     %s\n", id.PeerID())
	fmt.Fprintf(out, "Fingerprint: %s\n", id.Fingerprint())
	fmt.Fprintf(out, "Short code:  %s\n", id.ShortCode())
	if id.Nickname != "" {
		fmt.Fprintf(out, "Nickname:    %s\n", id.Nickname)
	}
}
