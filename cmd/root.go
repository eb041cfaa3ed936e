// Package cmd implements the lsh command-line interface: the daemon
// lifecycle, job management, secret sync, and the HTTP API server.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apicmd "github.com/gwicho38/lsh/cmd/api"
	"github.com/gwicho38/lsh/cmd/common"
	daemoncmd "github.com/gwicho38/lsh/cmd/daemon"
	jobcmd "github.com/gwicho38/lsh/cmd/job"
	secretscmd "github.com/gwicho38/lsh/cmd/secrets"
	"github.com/gwicho38/lsh/internal/config"
)

var (
	// cfgFile overrides the config file search path.
	cfgFile string

	// debug raises log verbosity for every command.
	debug bool

	rootCmd = &cobra.Command{
		Use:   "lsh",
		Short: "A user-level job daemon with encrypted secret sync",
		Long: `lsh schedules and supervises shell commands as a per-user daemon,
keeps a searchable execution history, and syncs encrypted secret bundles
through a content-addressed store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	_ = rootCmd.ParseFlags(os.Args[1:])

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := config.Initialize(); err != nil {
		common.PrintError(err)
		return common.ExitError
	}
	if debug {
		viper.Set("app.debug", true)
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		common.PrintError(err)
		return common.ExitCode(err)
	}
	return common.ExitOK
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./lsh.yaml or ~/.lsh/lsh.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("lsh version %s\n", cfg.App.Version)
			return nil
		},
	})

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(daemoncmd.Command())
	rootCmd.AddCommand(jobcmd.Command())
	rootCmd.AddCommand(secretscmd.Command())
	rootCmd.AddCommand(apicmd.Command())
}

// newStatusCmd is a top-level shortcut for "daemon status".
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemoncmd.ShowStatus(cmd.Context())
		},
	}
}
