package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/waypoint/internal/arbiter"
	"github.com/roach88/waypoint/internal/engine"
	"github.com/roach88/waypoint/internal/landmark"
	"github.com/roach88/waypoint/internal/sched"
	"github.com/roach88/waypoint/internal/settings"
	"github.com/roach88/waypoint/internal/settings/redisstore"
	"github.com/roach88/waypoint/internal/state"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database      string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	FeedPath      string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <landmarks.yaml>",
		Short: "Start the proximity engine",
		Long: `Start the proximity engine against a landmark registry.

Positions arrive as JSON lines on the feed (stdin by default), the
threshold configuration syncs from redis with a polling fallback, and
durable notification state lives in a SQLite database (created if absent).
Fired notifications and opened cards are printed to stdout.

Example:
  gpsd-json | waypoint run --db ./waypoint.db ./landmarks.yaml
  waypoint run --db /tmp/wp.db --feed ./walk.jsonl ./landmarks.yaml -v`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite state database (required)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address for config sync")
	cmd.Flags().StringVar(&opts.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	cmd.Flags().StringVar(&opts.RedisPrefix, "redis-prefix", envOr("WAYPOINT_REDIS_PREFIX", "waypoint"), "redis key prefix")
	cmd.Flags().StringVar(&opts.FeedPath, "feed", "-", "position feed file, '-' for stdin")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runEngine(opts *RunOptions, landmarksPath string, cmd *cobra.Command) error {
	slog.Info("loading landmarks", "path", landmarksPath)
	reg, err := landmark.LoadFile(landmarksPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load landmarks", err)
	}
	slog.Info("landmarks loaded", "count", len(reg.All()))

	slog.Info("opening state database", "path", opts.Database)
	st, err := state.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open state database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing state database", "error", closeErr)
		}
	}()

	feed := cmd.InOrStdin()
	if opts.FeedPath != "-" {
		f, err := os.Open(opts.FeedPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open position feed", err)
		}
		defer f.Close()
		feed = f
	}
	provider := newFeedProvider(feed)

	clock := sched.NewReal()
	remote := redisstore.New(redisstore.NewClient(opts.RedisAddr, opts.RedisPassword), opts.RedisPrefix)
	sync := settings.New(remote, clock, settings.WithLocalCache(st))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sync.Start(ctx)
	defer sync.Stop()

	collab := arbiter.Collaborators{
		Chime:     terminalCollab{out: cmd.OutOrStdout()},
		Announcer: terminalCollab{out: cmd.OutOrStdout()},
		Notifier:  terminalCollab{out: cmd.OutOrStdout()},
	}
	arb, err := arbiter.New(reg, st, clock, collab)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore notification state", err)
	}

	eng, err := engine.New(engine.Config{
		Registry:   reg,
		Provider:   provider,
		Settings:   sync,
		Arbiter:    arb,
		Leadership: engine.NewLeadership(),
		Clock:      clock,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to assemble engine", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := eng.StartTracking(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start tracking", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Reading positions from feed...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-ctx.Done()
	eng.StopTracking()
	slog.Info("engine stopped gracefully")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
