package job

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a job",
		Long: `Start a job. A recurring job re-enters the scheduler; an ad-hoc job
runs once in the background.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			job, err := client.StartJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	var signalName string

	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a job",
		Long: `Stop a job. A running execution receives the signal (SIGTERM by
default, SIGKILL after the grace period); a scheduled job leaves the
scheduler until started again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			if err := client.StopJob(cmd.Context(), args[0], signalName); err != nil {
				return err
			}
			fmt.Printf("Stopped job %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&signalName, "signal", "", "signal to send a running execution, e.g. SIGTERM, SIGINT")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <id>",
		Short: "Run a job now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			result, err := client.TriggerJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if result.Output != "" {
				fmt.Print(result.Output)
			}
			if result.ExitCode != nil {
				fmt.Printf("Execution %s: %s (exit %d)\n", result.ExecutionID, result.Status, *result.ExitCode)
			} else {
				fmt.Printf("Execution %s: %s\n", result.ExecutionID, result.Status)
			}
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			if err := client.RemoveJob(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "kill a running execution before removing")
	return cmd
}
