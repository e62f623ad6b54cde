package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blockpal/paymentscheduler/pkg/config"
	"github.com/blockpal/paymentscheduler/pkg/logger"
)

// RunOptions holds flags for the run command
type RunOptions struct {
	*RootOptions
	NoAPI bool
}

// NewRunCommand creates the run command
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and its HTTP API",
		Long: `Run the poll loop that executes due payments, together with the HTTP API.

On SIGINT or SIGTERM the poll loop stops selecting new work. Executions
already claimed run to completion before the process exits.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoAPI, "no-api", false, "do not start the HTTP API")

	return cmd
}

func runScheduler(parent context.Context, opts *RunOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := setup(opts.RootOptions)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.service.Start(gctx)
	})
	if !opts.NoAPI {
		g.Go(func() error {
			return a.server.Start(gctx)
		})
	}
	return g.Wait()
}

// setup loads the configuration and builds the process logger
func setup(opts *RootOptions) (*config.Config, logger.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level), nil
}
