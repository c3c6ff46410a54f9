package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/waypoint/internal/sched"
	"github.com/roach88/waypoint/internal/settings"
	"github.com/roach88/waypoint/internal/settings/redisstore"
)

const remoteOpTimeout = 5 * time.Second

// ConfigOptions holds flags for the config commands.
type ConfigOptions struct {
	*RootOptions
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or write the proximity threshold configuration",
	}
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	cmd.PersistentFlags().StringVar(&opts.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	cmd.PersistentFlags().StringVar(&opts.RedisPrefix, "redis-prefix", envOr("WAYPOINT_REDIS_PREFIX", "waypoint"), "redis key prefix")

	cmd.AddCommand(newConfigGetCommand(opts))
	cmd.AddCommand(newConfigSetCommand(opts))
	return cmd
}

func newConfigGetCommand(opts *ConfigOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get",
		Short:         "Print the stored configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := redisstore.New(redisstore.NewClient(opts.RedisAddr, opts.RedisPassword), opts.RedisPrefix)

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteOpTimeout)
			defer cancel()
			cfg, err := remote.Read(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read configuration", err)
			}
			return printConfig(opts, cmd, cfg)
		},
	}
}

func newConfigSetCommand(opts *ConfigOptions) *cobra.Command {
	var (
		card         float64
		notification float64
		outer        float64
		enabled      bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Validate and write threshold changes",
		Long: `Validate and write threshold changes.

Unset flags keep their stored value. Out-of-range distances are clamped;
ordering violations (card + 25m > notification, or notification + 50m >
outer) are rejected before anything is written.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := redisstore.New(redisstore.NewClient(opts.RedisAddr, opts.RedisPassword), opts.RedisPrefix)

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteOpTimeout)
			defer cancel()
			cfg, err := remote.Read(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read configuration", err)
			}

			if cmd.Flags().Changed("card") {
				cfg.CardDistanceM = card
			}
			if cmd.Flags().Changed("notification") {
				cfg.NotificationDistanceM = notification
			}
			if cmd.Flags().Changed("outer") {
				cfg.OuterDistanceM = outer
			}
			if cmd.Flags().Changed("enabled") {
				cfg.Enabled = enabled
			}

			sync := settings.New(remote, sched.NewReal())
			if err := sync.Save(ctx, cfg); err != nil {
				var verr *settings.ValidationError
				if errors.As(err, &verr) {
					return WrapExitError(ExitFailure, "configuration rejected", err)
				}
				return WrapExitError(ExitFailure, "failed to write configuration", err)
			}
			return printConfig(opts, cmd, sync.Config())
		},
	}

	cmd.Flags().Float64Var(&card, "card", 0, "card distance in meters")
	cmd.Flags().Float64Var(&notification, "notification", 0, "notification distance in meters")
	cmd.Flags().Float64Var(&outer, "outer", 0, "outer (prep) distance in meters")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable or disable proximity tracking")
	return cmd
}

func printConfig(opts *ConfigOptions, cmd *cobra.Command, cfg settings.Config) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if formatter.Format == "json" {
		return formatter.Success(cfg)
	}
	fmt.Fprintf(formatter.Writer, "enabled:       %v\n", cfg.Enabled)
	fmt.Fprintf(formatter.Writer, "card:          %.0fm\n", cfg.CardDistanceM)
	fmt.Fprintf(formatter.Writer, "notification:  %.0fm\n", cfg.NotificationDistanceM)
	fmt.Fprintf(formatter.Writer, "outer:         %.0fm\n", cfg.OuterDistanceM)
	if !cfg.UpdatedAt.IsZero() {
		fmt.Fprintf(formatter.Writer, "updated:       %s\n", cfg.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
