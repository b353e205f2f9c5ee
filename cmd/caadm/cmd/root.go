package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caadm/config"
	"github.com/jmcleod/caadm/reconcile"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	settings *config.Settings
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "caadm",
	Short: "caadm maintains an offline Puppet CA",
	Long: `Maintenance for a Puppet certificate authority directory.

caadm collapses duplicate revocations in the CA's CRL, prunes chosen entries
from it and re-signs it, and deletes signed certificates that have expired or
been revoked. Commands that change CA files refuse to run while puppetserver
is serving the CA.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return usageError(err)
		}
		logger = l
		slog.SetDefault(logger)

		s, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		settings = s
		logger.Debug("configuration loaded", "path", configPath, "cadir", settings.CADir)
		return nil
	},
}

// Execute runs the command line and exits with 0 on success, 24 when some
// items could not be processed, and 1 on any other failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		if reconcile.IsPrecondition(err) {
			fmt.Fprintln(stderr, "No CA files were changed.")
		}
	}
	return exitCode(err)
}

// outcomeError carries the outcome of a command that ran to the end without
// fully succeeding.
type outcomeError struct {
	outcome reconcile.Outcome
	err     error
}

func (e *outcomeError) Error() string { return e.err.Error() }
func (e *outcomeError) Unwrap() error { return e.err }

func usageError(err error) error {
	return fmt.Errorf("%w: %w", reconcile.ErrUsage, err)
}

func exitCode(err error) int {
	if err == nil {
		return reconcile.Success.ExitCode()
	}
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.outcome.ExitCode()
	}
	return reconcile.OutcomeFor(nil, err).ExitCode()
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to puppet.conf")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}
