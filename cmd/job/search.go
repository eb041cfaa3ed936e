package job

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	"github.com/gwicho38/lsh/internal/domain"
)

type searchFlags struct {
	jobID        string
	statuses     []string
	since        string
	until        string
	minDuration  time.Duration
	maxDuration  time.Duration
	tags         []string
	user         string
	commandRegex string
	exitCodes    []int
	limit        int
}

func newSearchCmd() *cobra.Command {
	flags := &searchFlags{}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search executions across all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			criteria, err := buildCriteria(flags)
			if err != nil {
				return err
			}

			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			records, err := client.SearchExecutions(cmd.Context(), criteria)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No matching executions.")
				return nil
			}

			renderExecutions(records)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.jobID, "job", "", "restrict to one job id")
	cmd.Flags().StringSliceVar(&flags.statuses, "status", nil, "execution status (repeatable)")
	cmd.Flags().StringVar(&flags.since, "since", "", "executions started at or after (RFC 3339)")
	cmd.Flags().StringVar(&flags.until, "until", "", "executions started before (RFC 3339)")
	cmd.Flags().DurationVar(&flags.minDuration, "min-duration", 0, "minimum duration")
	cmd.Flags().DurationVar(&flags.maxDuration, "max-duration", 0, "maximum duration")
	cmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "job tag (repeatable, all must match)")
	cmd.Flags().StringVar(&flags.user, "user", "", "run-as user")
	cmd.Flags().StringVar(&flags.commandRegex, "command-regex", "", "regular expression over the command")
	cmd.Flags().IntSliceVar(&flags.exitCodes, "exit-code", nil, "exit code (repeatable)")
	cmd.Flags().IntVar(&flags.limit, "limit", 50, "maximum results (0 for all)")
	return cmd
}

func buildCriteria(flags *searchFlags) (domain.SearchCriteria, error) {
	criteria := domain.SearchCriteria{
		JobID:        flags.jobID,
		Tags:         flags.tags,
		User:         flags.user,
		CommandRegex: flags.commandRegex,
		ExitCodes:    flags.exitCodes,
		Limit:        flags.limit,
	}
	for _, s := range flags.statuses {
		criteria.Statuses = append(criteria.Statuses, domain.ExecutionStatus(s))
	}

	since, err := parseTimeFlag("since", flags.since)
	if err != nil {
		return criteria, err
	}
	criteria.Since = since

	until, err := parseTimeFlag("until", flags.until)
	if err != nil {
		return criteria, err
	}
	criteria.Until = until

	if flags.minDuration > 0 {
		ms := flags.minDuration.Milliseconds()
		criteria.MinDurationMs = &ms
	}
	if flags.maxDuration > 0 {
		ms := flags.maxDuration.Milliseconds()
		criteria.MaxDurationMs = &ms
	}
	return criteria, nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, domain.E(domain.KindInvalidInput, "--%s must be RFC 3339, e.g. 2026-08-26T00:00:00Z", name)
	}
	return &ts, nil
}
