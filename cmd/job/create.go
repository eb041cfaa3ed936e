package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	"github.com/gwicho38/lsh/internal/domain"
)

type createFlags struct {
	id           string
	name         string
	cron         string
	every        time.Duration
	tags         []string
	priority     int
	cwd          string
	env          []string
	user         string
	maxRetries   int
	timeout      time.Duration
	databaseSync bool
}

func newCreateCmd() *cobra.Command {
	flags := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create [flags] -- <command...>",
		Short: "Create a job",
		Long: `Create a job from a shell command. Without a schedule the job is
ad-hoc and runs only when started or triggered; --every or --cron makes
it recurring and schedules it immediately.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := buildSpec(flags, strings.Join(args, " "))
			if err != nil {
				return err
			}

			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			client := common.Client(cfg)
			defer client.Close()

			created, err := client.CreateJob(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Created job %s (%s, %s)\n", created.ID, created.Name, created.Schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.id, "id", "", "job id (generated from the name when empty)")
	cmd.Flags().StringVar(&flags.name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&flags.cron, "cron", "", "cron schedule (5 fields: minute hour day-of-month month day-of-week)")
	cmd.Flags().DurationVar(&flags.every, "every", 0, "interval schedule, e.g. 30s, 5m, 1h")
	cmd.Flags().StringSliceVar(&flags.tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().IntVar(&flags.priority, "priority", 0, "priority; higher runs first when due together")
	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "working directory")
	cmd.Flags().StringArrayVar(&flags.env, "env", nil, "environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&flags.user, "user", "", "run as user (daemon must run as root)")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "retries after a failed execution")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "kill the execution after this long")
	cmd.Flags().BoolVar(&flags.databaseSync, "database-sync", false, "mirror executions to the database backend")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func buildSpec(flags *createFlags, command string) (*domain.JobSpec, error) {
	if flags.cron != "" && flags.every > 0 {
		return nil, domain.E(domain.KindInvalidInput, "--cron and --every are mutually exclusive")
	}

	schedule := domain.Schedule{Kind: domain.ScheduleNone}
	switch {
	case flags.cron != "":
		schedule = domain.Schedule{Kind: domain.ScheduleCron, Cron: flags.cron}
	case flags.every > 0:
		schedule = domain.Schedule{Kind: domain.ScheduleInterval, IntervalMs: flags.every.Milliseconds()}
	}

	env, err := parseEnvPairs(flags.env)
	if err != nil {
		return nil, err
	}

	id := flags.id
	if id == "" {
		id = slugify(flags.name)
	}

	return &domain.JobSpec{
		ID:           id,
		Name:         flags.name,
		Command:      command,
		Cwd:          flags.cwd,
		Env:          env,
		User:         flags.user,
		Tags:         flags.tags,
		Priority:     flags.priority,
		Schedule:     schedule,
		MaxRetries:   flags.maxRetries,
		TimeoutMs:    flags.timeout.Milliseconds(),
		DatabaseSync: flags.databaseSync,
	}, nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, domain.E(domain.KindInvalidInput, "environment variable must be KEY=VALUE, got %q", pair)
		}
		env[key] = value
	}
	return env, nil
}

// slugify derives a job id from its name.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-', r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
