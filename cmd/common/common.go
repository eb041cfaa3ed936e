// Package common holds shared plumbing for the CLI commands: config
// loading, the daemon client, exit-code mapping, and table rendering.
package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gwicho38/lsh/internal/config"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/ipc"
)

// Exit codes returned by the CLI. Scripts key off these.
const (
	ExitOK                = 0
	ExitError             = 1
	ExitUsage             = 2
	ExitDaemonUnavailable = 3
	ExitUnauthorized      = 4
	ExitForbidden         = 5
)

// ExitCode maps an error to the CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return ExitUsage
	case domain.KindDaemonUnavailable:
		return ExitDaemonUnavailable
	case domain.KindUnauthorized:
		return ExitUnauthorized
	case domain.KindForbidden:
		return ExitForbidden
	default:
		return ExitError
	}
}

// LoadConfig unmarshals and validates the merged configuration.
// config.Initialize must have run first.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "invalid configuration")
	}
	return cfg, nil
}

// Client builds an IPC client for the configured socket.
func Client(cfg *config.Config) *ipc.Client {
	return ipc.NewClient(cfg.SocketPath())
}

// PrintError writes an error to stderr in the CLI's standard shape.
func PrintError(err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", de.Message)
		if de.Err != nil {
			fmt.Fprintf(os.Stderr, "  cause: %v\n", de.Err)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// NewTable returns a table writer in the CLI's house style.
func NewTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

// FormatTime renders a timestamp for table cells; zero and nil render
// as a dash.
func FormatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

// FormatDuration renders milliseconds for table cells.
func FormatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}
