package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/waypoint/internal/settings"
	"github.com/roach88/waypoint/internal/settings/redisstore"
	"github.com/roach88/waypoint/internal/state"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database      string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
}

// statusReport is the one-shot view of what the engine would start from:
// the remote configuration (if reachable), the locally cached copy, and
// how many suppression records the local store is carrying.
type statusReport struct {
	Remote          string           `json:"remote"`
	RemoteConfig    *settings.Config `json:"remote_config,omitempty"`
	RemoteError     string           `json:"remote_error,omitempty"`
	CachedConfig    *settings.Config `json:"cached_config,omitempty"`
	NotifyCooldowns int              `json:"notify_cooldowns"`
	CardCooldowns   int              `json:"card_cooldowns"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show remote reachability and locally cached engine state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the local state database")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
	cmd.Flags().StringVar(&opts.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	cmd.Flags().StringVar(&opts.RedisPrefix, "redis-prefix", envOr("WAYPOINT_REDIS_PREFIX", "waypoint"), "redis key prefix")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	report := statusReport{Remote: "unreachable"}

	remote := redisstore.New(redisstore.NewClient(opts.RedisAddr, opts.RedisPassword), opts.RedisPrefix)
	ctx, cancel := context.WithTimeout(cmd.Context(), remoteOpTimeout)
	cfg, err := remote.Read(ctx)
	cancel()
	if err != nil {
		report.RemoteError = err.Error()
	} else {
		report.Remote = "reachable"
		report.RemoteConfig = &cfg
	}

	if opts.Database != "" {
		if err := loadLocalState(cmd.Context(), opts.Database, &report); err != nil {
			return WrapExitError(ExitFailure, "failed to read local state", err)
		}
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(formatter.Writer, "remote:        %s\n", report.Remote)
	if report.RemoteError != "" {
		fmt.Fprintf(formatter.Writer, "remote error:  %s\n", report.RemoteError)
	}
	if report.RemoteConfig != nil {
		fmt.Fprintf(formatter.Writer, "remote config: %s\n", describeConfig(*report.RemoteConfig))
	}
	if report.CachedConfig != nil {
		fmt.Fprintf(formatter.Writer, "cached config: %s\n", describeConfig(*report.CachedConfig))
	}
	if opts.Database != "" {
		fmt.Fprintf(formatter.Writer, "cooldowns:     %d notification, %d card\n",
			report.NotifyCooldowns, report.CardCooldowns)
	}
	return nil
}

func loadLocalState(ctx context.Context, path string, report *statusReport) error {
	st, err := state.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	if raw, ok, err := st.Get(ctx, state.KeyProximityConfig); err != nil {
		return err
	} else if ok {
		var cfg settings.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decode cached configuration: %w", err)
		}
		report.CachedConfig = &cfg
	}

	report.NotifyCooldowns, err = countEntries(ctx, st, state.KeyNotifyCooldowns)
	if err != nil {
		return err
	}
	report.CardCooldowns, err = countEntries(ctx, st, state.KeyCardCooldowns)
	return err
}

// countEntries counts the keys of a persisted map without caring about
// the value type it holds.
func countEntries(ctx context.Context, st *state.Store, key string) (int, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return len(entries), nil
}

func describeConfig(cfg settings.Config) string {
	s := fmt.Sprintf("card=%.0fm notification=%.0fm outer=%.0fm enabled=%v",
		cfg.CardDistanceM, cfg.NotificationDistanceM, cfg.OuterDistanceM, cfg.Enabled)
	if !cfg.UpdatedAt.IsZero() {
		s += " updated=" + cfg.UpdatedAt.Format(time.RFC3339)
	}
	return s
}
