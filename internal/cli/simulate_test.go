package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func runScenarioFile(t *testing.T, name string) []simEvent {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)

	events, err := runScenario(raw)
	require.NoError(t, err)
	return events
}

func assertTrace(t *testing.T, goldenName string, events []simEvent) {
	t.Helper()
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(formatEvent(ev))
		b.WriteByte('\n')
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, goldenName, []byte(b.String()))
}

func TestSimulate_WalkToTowerTrace(t *testing.T) {
	events := runScenarioFile(t, "walk-to-tower.yaml")
	assertTrace(t, "walk_to_tower", events)
}

func TestSimulate_CooldownSuppressesBounce(t *testing.T) {
	events := runScenarioFile(t, "bounce.yaml")
	assertTrace(t, "bounce", events)
}

func TestSimulate_RejectsScenarioWithoutPosition(t *testing.T) {
	_, err := runScenario([]byte("name: empty\nsteps: []\n"))
	require.Error(t, err)
	require.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulate_RejectsInvalidConfig(t *testing.T) {
	raw := []byte(`
config:
  card_distance_m: 300
  notification_distance_m: 250
steps:
  - position: "40.0, -73.0"
`)
	_, err := runScenario(raw)
	require.Error(t, err)
	require.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulate_MalformedYAMLIsCommandError(t *testing.T) {
	_, err := runScenario([]byte("steps: {not a list"))
	require.Error(t, err)
	require.Equal(t, ExitCommandError, GetExitCode(err))
}
