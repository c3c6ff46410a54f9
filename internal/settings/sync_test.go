package settings_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/waypoint/internal/settings"
	"github.com/roach88/waypoint/internal/state"
	"github.com/roach88/waypoint/internal/testutil"
)

var syncEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newSync(t *testing.T, remote *testutil.FakeRemote, opts ...settings.Option) (*settings.Sync, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(syncEpoch)
	s := settings.New(remote, clock, opts...)
	t.Cleanup(s.Stop)
	return s, clock
}

func remoteConfig(updatedAt time.Time) settings.Config {
	cfg := settings.Default
	cfg.CardDistanceM = 150
	cfg.UpdatedAt = updatedAt
	return cfg
}

func TestSync_StartConnectsAndRefreshes(t *testing.T) {
	remote := testutil.NewFakeRemote(remoteConfig(syncEpoch.Add(-time.Hour)))
	s, _ := newSync(t, remote)

	s.Start(context.Background())

	assert.Equal(t, settings.ModeConnected, s.Status().Mode)
	assert.Equal(t, float64(150), s.Config().CardDistanceM)
	assert.Equal(t, 1, remote.ConnectAttempts())
	assert.Equal(t, 1, remote.Reads())
}

func TestSync_PushUpdateAppliesNewerConfig(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, clock := newSync(t, remote)
	s.Start(context.Background())

	var mu sync.Mutex
	var seen []settings.Config
	cancel := s.OnChange(func(_ settings.Status, cfg settings.Config) {
		mu.Lock()
		seen = append(seen, cfg)
		mu.Unlock()
	})
	defer cancel()

	pushed := remoteConfig(clock.Now().Add(time.Minute))
	remote.Push(pushed)

	require.Eventually(t, func() bool {
		return s.Config().CardDistanceM == 150
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, pushed, seen[len(seen)-1])
}

func TestSync_StalePushIgnored(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, clock := newSync(t, remote)
	s.Start(context.Background())

	newer := remoteConfig(clock.Now().Add(time.Minute))
	remote.Push(newer)
	require.Eventually(t, func() bool {
		return s.Config() == newer
	}, time.Second, 5*time.Millisecond)

	stale := newer
	stale.CardDistanceM = 60
	stale.UpdatedAt = newer.UpdatedAt.Add(-time.Hour)
	remote.Push(stale)

	assert.Never(t, func() bool {
		return s.Config().CardDistanceM == 60
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSync_BackoffDoublesBetweenRetries(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	remote.FailNextConnects(2)
	s, clock := newSync(t, remote)

	s.Start(context.Background())
	st := s.Status()
	assert.Equal(t, settings.ModeFailed, st.Mode)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 1, remote.ConnectAttempts())

	// First retry after 1s, which also fails.
	clock.Advance(time.Second)
	st = s.Status()
	assert.Equal(t, settings.ModeFailed, st.Mode)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, 2, remote.ConnectAttempts())

	// Second retry after 2s succeeds.
	clock.Advance(2 * time.Second)
	st = s.Status()
	assert.Equal(t, settings.ModeConnected, st.Mode)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 3, remote.ConnectAttempts())
}

func TestSync_CircuitBreakerFallsBackToPolling(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	remote.FailNextConnects(10)
	s, clock := newSync(t, remote)

	s.Start(context.Background())
	clock.Advance(time.Second)     // retry 2 fails
	clock.Advance(2 * time.Second) // retry 3 fails, breaker trips

	require.Equal(t, settings.ModePolling, s.Status().Mode)
	reads := remote.Reads()

	// A change the dead push channel never announces.
	changed := remoteConfig(clock.Now().Add(time.Minute))
	remote.Set(changed)

	clock.Advance(30 * time.Second)
	assert.Equal(t, changed, s.Config())
	assert.Equal(t, reads+1, remote.Reads())

	// A detected change tightens the cadence to 10s for a while.
	clock.Advance(10 * time.Second)
	assert.Equal(t, reads+2, remote.Reads())
}

func TestSync_ProbeRestoresPushChannel(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	remote.FailNextConnects(3)
	s, clock := newSync(t, remote)

	s.Start(context.Background())
	clock.Advance(time.Second)
	clock.Advance(2 * time.Second)
	require.Equal(t, settings.ModePolling, s.Status().Mode)

	// The probe at 2m finds the remote healthy again.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, settings.ModeConnected, s.Status().Mode)

	// Push events flow again on the restored channel.
	pushed := remoteConfig(clock.Now().Add(time.Minute))
	remote.Push(pushed)
	require.Eventually(t, func() bool {
		return s.Config() == pushed
	}, time.Second, 5*time.Millisecond)
}

func TestSync_SubscriptionLossTriggersReconnect(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, clock := newSync(t, remote)
	s.Start(context.Background())
	require.Equal(t, settings.ModeConnected, s.Status().Mode)

	remote.BreakSubscriptions(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return s.Status().Mode == settings.ModeFailed
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Second)
	assert.Equal(t, settings.ModeConnected, s.Status().Mode)
}

func TestSync_SaveRejectsOrderingViolationBeforeNetwork(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, _ := newSync(t, remote)
	s.Start(context.Background())

	bad := settings.Default
	bad.CardDistanceM = 80
	bad.NotificationDistanceM = 90

	err := s.Save(context.Background(), bad)
	var verr *settings.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, remote.Upserts())
	assert.Equal(t, settings.Default.CardDistanceM, s.Config().CardDistanceM)
}

func TestSync_SaveClampsOutOfRangeThresholds(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, _ := newSync(t, remote)
	s.Start(context.Background())

	cfg := settings.Default
	cfg.CardDistanceM = 5 // below the absolute minimum

	require.NoError(t, s.Save(context.Background(), cfg))
	assert.Equal(t, float64(10), s.Config().CardDistanceM)
	assert.Equal(t, 1, remote.Upserts())
}

func TestSync_SaveKeepsOptimisticValueOnRemoteFailure(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, _ := newSync(t, remote)
	s.Start(context.Background())

	remote.SetUpsertError(errors.New("write timeout"))
	cfg := settings.Default
	cfg.CardDistanceM = 150

	err := s.Save(context.Background(), cfg)
	require.Error(t, err)
	// The optimistic local copy stays; push/poll reconciliation owns
	// convergence with the authoritative store.
	assert.Equal(t, float64(150), s.Config().CardDistanceM)
}

func TestSync_StopSilencesPushEvents(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	s, clock := newSync(t, remote)
	s.Start(context.Background())
	require.Equal(t, settings.ModeConnected, s.Status().Mode)

	s.Stop()
	assert.Equal(t, settings.ModeDisconnected, s.Status().Mode)

	remote.Push(remoteConfig(clock.Now().Add(time.Minute)))
	assert.Never(t, func() bool {
		return s.Config().CardDistanceM == 150
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSync_ForceReconnectResetsBreaker(t *testing.T) {
	remote := testutil.NewFakeRemote(settings.Default)
	remote.FailNextConnects(3)
	s, clock := newSync(t, remote)

	s.Start(context.Background())
	clock.Advance(time.Second)
	clock.Advance(2 * time.Second)
	require.Equal(t, settings.ModePolling, s.Status().Mode)

	s.ForceReconnect()
	st := s.Status()
	assert.Equal(t, settings.ModeConnected, st.Mode)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestSync_LocalCacheSurvivesRestart(t *testing.T) {
	st, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	remote := testutil.NewFakeRemote(settings.Default)
	s1, _ := newSync(t, remote, settings.WithLocalCache(st))
	s1.Start(context.Background())

	cfg := settings.Default
	cfg.CardDistanceM = 200
	require.NoError(t, s1.Save(context.Background(), cfg))
	s1.Stop()

	// A fresh process with a dead remote still has the last thresholds.
	deadRemote := testutil.NewFakeRemote(settings.Default)
	deadRemote.FailNextConnects(100)
	s2, _ := newSync(t, deadRemote, settings.WithLocalCache(st))
	s2.Start(context.Background())

	assert.Equal(t, settings.ModeFailed, s2.Status().Mode)
	assert.Equal(t, float64(200), s2.Config().CardDistanceM)
}
