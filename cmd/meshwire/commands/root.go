// Package commands holds the meshwire cobra command tree.
package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/meshwire/internal/config"
	"github.com/WebFirstLanguage/meshwire/internal/logging"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

// app carries state resolved before any subcommand runs
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// Execute runs the command tree against os.Args
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "meshwire",
		Short:        "Secure mesh messaging node",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			opts := cfg.Logging()
			opts.Output = cmd.ErrOrStderr()
			logger, err := logging.New(opts)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}

	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		versionCmd(),
		keygenCmd(a),
		fingerprintCmd(a),
		inspectCmd(),
		nip44Cmd(),
		runCmd(a),
		ctlCmd(a),
	)
	return root
}
