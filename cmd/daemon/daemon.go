// Package daemon implements the daemon lifecycle commands: start,
// stop, restart, and status.
package daemon

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	internaldaemon "github.com/gwicho38/lsh/internal/daemon"
	"github.com/gwicho38/lsh/internal/logger"
)

// Command returns the daemon command group.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the job daemon",
	}
	cmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
	)
	return cmd
}

// newStartCmd runs the daemon in the foreground. Process supervision
// (systemd, launchd) is expected to keep it alive.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(&cfg.Logger)
			if err != nil {
				return err
			}

			d, err := internaldaemon.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			if err := client.StopDaemon(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Daemon stopping.")
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			if err := client.RestartDaemon(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Daemon restarting.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ShowStatus(cmd.Context())
		},
	}
}

// ShowStatus queries the daemon and renders its status table. The root
// "lsh status" shortcut calls this too.
func ShowStatus(ctx context.Context) error {
	cfg, err := common.LoadConfig()
	if err != nil {
		return err
	}
	client := common.Client(cfg)
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		return err
	}

	t := common.NewTable()
	t.AppendRows([]table.Row{
		{"PID", status.PID},
		{"Version", status.Version},
		{"Started", common.FormatTime(&status.StartedAt)},
		{"Uptime", fmt.Sprintf("%ds", status.UptimeSeconds)},
		{"Jobs", status.Jobs},
		{"Scheduled", status.Scheduled},
		{"Running", status.Running},
		{"Executions", status.Executions},
		{"Storage", status.StorageKind},
		{"Socket", status.SocketPath},
		{"HTTP API", status.APIEnabled},
	})
	t.Render()
	return nil
}
