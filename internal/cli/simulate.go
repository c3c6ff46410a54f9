package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/waypoint/internal/arbiter"
	"github.com/roach88/waypoint/internal/engine"
	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/landmark"
	"github.com/roach88/waypoint/internal/settings"
	"github.com/roach88/waypoint/internal/state"
	"github.com/roach88/waypoint/internal/testutil"
)

// simEpoch anchors virtual time so traces are identical across runs.
var simEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// simScenario is the YAML shape of a simulation: a landmark registry, an
// optional threshold configuration, and a list of timed position steps.
// The landmarks key matches the registry file format, so a scenario can
// double as one.
type simScenario struct {
	Name   string    `yaml:"name"`
	Grace  string    `yaml:"grace"` // notification quiet window, default 30s
	Config simConfig `yaml:"config"`
	Steps  []simStep `yaml:"steps"`
}

type simConfig struct {
	Enabled               *bool   `yaml:"enabled"`
	CardDistanceM         float64 `yaml:"card_distance_m"`
	NotificationDistanceM float64 `yaml:"notification_distance_m"`
	OuterDistanceM        float64 `yaml:"outer_distance_m"`
}

type simStep struct {
	Advance   string  `yaml:"advance"`  // virtual time to advance, default 15s
	Position  any     `yaml:"position"` // coordinate in any accepted shape
	AccuracyM float64 `yaml:"accuracy_m"`
	CloseCard string  `yaml:"close_card"` // card key to dismiss after the step
}

// simEvent is one trace line: a virtual-time offset and what happened.
type simEvent struct {
	At     string `json:"at"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a position scenario on virtual time",
		Long: `Replay a scenario of timed positions through a full engine on virtual
time, with in-memory stores and capturing side-effect collaborators, and
print the deterministic event trace.

The same scenario always produces the same trace, which makes traces
diffable and suitable for golden-file testing.

Example:
  waypoint simulate ./scenarios/walk-to-tower.yaml
  waypoint simulate ./scenarios/walk-to-tower.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}
	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read scenario", err)
	}

	events, err := runScenario(raw)
	if err != nil {
		return err
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	if formatter.Format == "json" {
		return formatter.Success(events)
	}
	for _, ev := range events {
		fmt.Fprintln(formatter.Writer, formatEvent(ev))
	}
	return nil
}

func formatEvent(ev simEvent) string {
	line := fmt.Sprintf("%-8s %s", ev.At, ev.Kind)
	if ev.Detail != "" {
		line += " " + ev.Detail
	}
	return line
}

// runScenario runs a raw YAML scenario and returns its event trace.
func runScenario(raw []byte) ([]simEvent, error) {
	var sc simScenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, WrapExitError(ExitCommandError, "malformed scenario", err)
	}
	reg, err := landmark.Parse(raw)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "malformed scenario landmarks", err)
	}

	grace := arbiter.DefaultGracePeriod
	if sc.Grace != "" {
		grace, err = time.ParseDuration(sc.Grace)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "malformed grace duration", err)
		}
	}

	cfg := settings.Default
	if sc.Config.CardDistanceM > 0 {
		cfg.CardDistanceM = sc.Config.CardDistanceM
	}
	if sc.Config.NotificationDistanceM > 0 {
		cfg.NotificationDistanceM = sc.Config.NotificationDistanceM
	}
	if sc.Config.OuterDistanceM > 0 {
		cfg.OuterDistanceM = sc.Config.OuterDistanceM
	}
	if sc.Config.Enabled != nil {
		cfg.Enabled = *sc.Config.Enabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid scenario config", err)
	}

	clock := testutil.NewFakeClock(simEpoch)
	trace := &traceRecorder{clock: clock}

	st, err := state.OpenMemory()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open in-memory state", err)
	}
	defer st.Close()

	remote := testutil.NewFakeRemote(cfg)
	cfgSync := settings.New(remote, clock, settings.WithLocalCache(st))
	cfgSync.Start(context.Background())
	defer cfgSync.Stop()

	arb, err := arbiter.New(reg, st, clock, arbiter.Collaborators{
		Chime:     trace,
		Announcer: trace,
		Notifier:  trace,
		Preloader: trace,
	}, arbiter.WithRunner(testutil.InlineRunner), arbiter.WithGracePeriod(grace))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build arbiter", err)
	}

	// Engine-level preloads are queued and drained after each step's
	// flush. Running them inline would interleave nondeterministically
	// with tick effects processed by the engine's own loop, and the whole
	// point of the trace is that it is stable.
	preloads := &stepRunner{}

	provider := testutil.NewScriptedProvider()
	eng, err := engine.New(engine.Config{
		Registry:   reg,
		Provider:   provider,
		Settings:   cfgSync,
		Arbiter:    arb,
		Leadership: engine.NewLeadership(),
		Clock:      clock,
		Preloader:  trace,
		Runner:     preloads.Run,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to assemble engine", err)
	}

	if len(sc.Steps) == 0 || sc.Steps[0].Position == nil {
		return nil, NewExitError(ExitCommandError, "scenario needs at least one step with a position")
	}
	if sc.Name != "" {
		trace.add("scenario", sc.Name)
	}

	firstPos, err := stepPosition(sc.Steps[0])
	if err != nil {
		return nil, err
	}
	provider.SetPosition(firstPos)
	if err := eng.StartTracking(context.Background()); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to start tracking", err)
	}
	defer eng.StopTracking()

	ctx := context.Background()
	prevCards := map[string]landmark.Landmark{}
	for i, step := range sc.Steps {
		if step.Position != nil {
			pos, err := stepPosition(step)
			if err != nil {
				return nil, err
			}
			provider.SetPosition(pos)
		}

		advance := 15 * time.Second
		if i == 0 {
			advance = 0 // the first fix fires immediately on start
		}
		if step.Advance != "" {
			advance, err = time.ParseDuration(step.Advance)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "malformed advance duration", err)
			}
		}

		clock.Advance(advance)
		eng.Flush(ctx)
		preloads.Drain()
		trace.recordStep(eng)

		if step.CloseCard != "" {
			eng.CloseCard(step.CloseCard)
		}
		trace.recordCardDiff(prevCards, eng.ActiveCards())
		prevCards = eng.ActiveCards()
	}

	return trace.events, nil
}

func stepPosition(step simStep) (geo.Position, error) {
	coord, err := geo.ParseCoordinate(step.Position)
	if err != nil {
		return geo.Position{}, WrapExitError(ExitCommandError, "malformed step position", err)
	}
	acc := step.AccuracyM
	if acc == 0 {
		acc = 10
	}
	return geo.Position{Coordinate: coord, AccuracyMeters: acc}, nil
}

// stepRunner collects deferred effects so the scenario loop can run them
// at a fixed point in each step.
type stepRunner struct {
	mu  sync.Mutex
	fns []func()
}

func (r *stepRunner) Run(fn func()) {
	r.mu.Lock()
	r.fns = append(r.fns, fn)
	r.mu.Unlock()
}

func (r *stepRunner) Drain() {
	r.mu.Lock()
	fns := r.fns
	r.fns = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// traceRecorder captures every side effect with its virtual timestamp. It
// doubles as all four arbiter collaborators.
type traceRecorder struct {
	clock *testutil.FakeClock

	mu     sync.Mutex
	events []simEvent
}

func (t *traceRecorder) add(kind, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, simEvent{
		At:     "+" + t.clock.Now().Sub(simEpoch).String(),
		Kind:   kind,
		Detail: detail,
	})
}

func (t *traceRecorder) Play(ctx context.Context) error {
	t.add("chime", "")
	return nil
}

func (t *traceRecorder) Speak(ctx context.Context, text string) error {
	t.add("announce", fmt.Sprintf("%q", text))
	return nil
}

func (t *traceRecorder) Show(ctx context.Context, n arbiter.Notice) error {
	t.add("notify", fmt.Sprintf("%q %q", n.Title, n.Description))
	return nil
}

func (t *traceRecorder) Preload(ctx context.Context, lm landmark.Landmark) error {
	t.add("preload", lm.ID)
	return nil
}

// recordStep emits the position/zone summary after a step's ticks ran.
func (t *traceRecorder) recordStep(eng *engine.Engine) {
	pos, ok := eng.Position()
	if !ok {
		t.add("step", "no fix")
		return
	}

	var nearby []string
	for _, m := range eng.Zones() {
		if m.Zone != geo.ZoneFar {
			nearby = append(nearby, fmt.Sprintf("%s:%s:%dm", m.LandmarkID, m.Zone, int(m.DistanceMeters)))
		}
	}
	zones := "none"
	if len(nearby) > 0 {
		zones = strings.Join(nearby, ",")
	}
	t.add("step", fmt.Sprintf("pos=%.6f,%.6f zones=%s", pos.Coordinate.Lat, pos.Coordinate.Lng, zones))
}

// recordCardDiff emits card_open/card_close events for view changes.
func (t *traceRecorder) recordCardDiff(prev, cur map[string]landmark.Landmark) {
	var keys []string
	for k := range cur {
		if _, ok := prev[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.add("card_open", k)
	}

	keys = keys[:0]
	for k := range prev {
		if _, ok := cur[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.add("card_close", k)
	}
}
