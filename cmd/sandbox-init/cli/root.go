// Package cli implements the sandbox-init command line. The program takes
// no subcommands: everything after the flags is the foreground command,
// exec'd verbatim once the sandbox environment is prepared.
package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/interceptlabs/sandboxinit/internal/config"
	"github.com/interceptlabs/sandboxinit/internal/log"
	"github.com/interceptlabs/sandboxinit/internal/pipeline"
)

var (
	verbose    bool
	strict     bool
	ownership  string
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "sandbox-init [flags] -- command [args...]",
	Short: "Container init that prepares an intercepted sandbox, then execs the command",
	Long: `sandbox-init brings up the sandbox's interception proxy, authenticates
against it, provisions an ephemeral project, propagates proxy and TLS trust
settings, optionally starts a container-local docker daemon, and finally
replaces itself with the given command so it receives signals as process 1.

Optional stages degrade to skipped when their dependencies are missing; the
command runs either way unless --strict makes proxy failures fatal.`,
	SilenceUsage: true,
	Args:         cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := config.LoadOptions{File: configFile}
		if cmd.Flags().Changed("strict") {
			opts.Strict = &strict
		}
		if cmd.Flags().Changed("ownership") {
			opts.Ownership = ownership
		}

		cfg, err := config.Load(opts)
		if err != nil {
			return err
		}

		if err := log.Init(log.Options{
			Verbose:   verbose,
			DebugFile: filepath.Join(cfg.RuntimeDir, "sandbox-init.jsonl"),
		}); err != nil {
			// Debug logging is a nicety; fall back to console-only.
			_ = log.Init(log.Options{Verbose: verbose})
		}
		defer log.Close()

		// Interrupts during setup cancel the polling loops; the pipeline
		// then exits through its error path, where the supervised
		// ownership policy reaps the proxy child. After exec the trap is
		// gone along with the rest of this process.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return pipeline.New(cfg).Run(ctx, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "treat proxy readiness and login failures as fatal (env: SANDBOX_STRICT)")
	rootCmd.Flags().StringVar(&ownership, "ownership", "", "proxy child policy on pre-exec exits: daemonized or supervised (env: SANDBOX_OWNERSHIP)")
	rootCmd.Flags().StringVar(&configFile, "config", "", "override config file path (default /etc/sandbox-init.yaml)")

	// Stop flag parsing at the first positional so the foreground command's
	// own flags pass through untouched.
	rootCmd.Flags().SetInterspersed(false)
}
