// Package api implements the "api serve" command: an HTTP control API
// in front of a running daemon's socket. The daemon can also serve the
// API itself; this command hosts it in a separate process.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	internalapi "github.com/gwicho38/lsh/internal/api"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/executor"
	"github.com/gwicho38/lsh/internal/ipc"
	"github.com/gwicho38/lsh/internal/logger"
)

// Command returns the api command group.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Manage the HTTP control API",
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API against the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(&cfg.Logger)
			if err != nil {
				return err
			}

			client := common.Client(cfg)
			defer client.Close()

			// Fail fast when no daemon is listening.
			if _, err := client.Status(cmd.Context()); err != nil {
				return err
			}

			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			}
			server := internalapi.NewServer(internalapi.Config{
				Addr:      addr,
				APIKey:    cfg.API.APIKey,
				JWTSecret: cfg.API.JWTSecret,
			}, &socketBackend{client: client}, nil, log)

			errs := server.Start()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case err := <-errs:
				return err
			case <-sigCh:
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to the configured api host and port)")
	return cmd
}

// socketBackend adapts the IPC client to the API's backend surface.
type socketBackend struct {
	client *ipc.Client
}

func (b *socketBackend) Status(ctx context.Context) (*ipc.DaemonStatus, error) {
	return b.client.Status(ctx)
}

func (b *socketBackend) ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.JobSpec, error) {
	return b.client.ListJobs(ctx, filter)
}

func (b *socketBackend) GetJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	return b.client.GetJob(ctx, id)
}

func (b *socketBackend) CreateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error) {
	return b.client.CreateJob(ctx, spec)
}

func (b *socketBackend) StartJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	return b.client.StartJob(ctx, id)
}

func (b *socketBackend) StopJob(ctx context.Context, id, signal string) error {
	return b.client.StopJob(ctx, id, signal)
}

func (b *socketBackend) TriggerJob(ctx context.Context, id string) (*executor.TriggerResult, error) {
	return b.client.TriggerJob(ctx, id)
}

func (b *socketBackend) RemoveJob(ctx context.Context, id string, force bool) error {
	return b.client.RemoveJob(ctx, id, force)
}

func (b *socketBackend) JobHistory(ctx context.Context, jobID string, limit int) ([]*domain.ExecutionRecord, error) {
	return b.client.JobHistory(ctx, jobID, limit)
}

func (b *socketBackend) JobStatistics(ctx context.Context, jobID string) (any, error) {
	var raw json.RawMessage
	if err := b.client.JobStatistics(ctx, jobID, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *socketBackend) SearchExecutions(ctx context.Context, criteria domain.SearchCriteria) ([]*domain.ExecutionRecord, error) {
	return b.client.SearchExecutions(ctx, criteria)
}

func (b *socketBackend) StopDaemon(ctx context.Context) error {
	return b.client.StopDaemon(ctx)
}

func (b *socketBackend) RestartDaemon(ctx context.Context) error {
	return b.client.RestartDaemon(ctx)
}
