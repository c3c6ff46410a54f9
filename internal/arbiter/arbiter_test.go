package arbiter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/waypoint/internal/arbiter"
	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/landmark"
	"github.com/roach88/waypoint/internal/state"
	"github.com/roach88/waypoint/internal/testutil"
)

var arbEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type arbFixture struct {
	arb       *arbiter.Arbiter
	clock     *testutil.FakeClock
	store     *state.Store
	chime     *testutil.CaptureChime
	announcer *testutil.CaptureAnnouncer
	notifier  *testutil.CaptureNotifier
	preloader *testutil.CapturePreloader
}

func testRegistry(t *testing.T) *landmark.StaticRegistry {
	t.Helper()
	reg, err := landmark.NewStaticRegistry([]landmark.Landmark{
		{ID: "alpha", Name: "Alpha Tower", Coord: geo.Coordinate{Lat: 40.75, Lng: -73.98}},
		{ID: "bravo", Name: "Bravo Bridge", Coord: geo.Coordinate{Lat: 40.76, Lng: -73.97}},
		{ID: "charlie", Name: "Charlie Gate", Coord: geo.Coordinate{Lat: 40.77, Lng: -73.96}, PlaceID: "plc-9"},
	})
	require.NoError(t, err)
	return reg
}

func newArbFixture(t *testing.T, opts ...arbiter.Option) *arbFixture {
	t.Helper()
	st, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &arbFixture{
		clock:     testutil.NewFakeClock(arbEpoch),
		store:     st,
		chime:     &testutil.CaptureChime{},
		announcer: &testutil.CaptureAnnouncer{},
		notifier:  &testutil.CaptureNotifier{},
		preloader: &testutil.CapturePreloader{},
	}
	collab := arbiter.Collaborators{
		Chime:     f.chime,
		Announcer: f.announcer,
		Notifier:  f.notifier,
		Preloader: f.preloader,
	}
	opts = append([]arbiter.Option{arbiter.WithRunner(testutil.InlineRunner)}, opts...)
	f.arb, err = arbiter.New(testRegistry(t), st, f.clock, collab, opts...)
	require.NoError(t, err)
	return f
}

func member(id string, dist float64, zone geo.Zone) geo.Membership {
	return geo.Membership{LandmarkID: id, DistanceMeters: dist, Zone: zone}
}

func TestArbiter_NotificationEffects(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, []geo.Membership{member("alpha", 150, geo.ZoneNotification)})

	assert.Equal(t, 1, f.chime.Plays())
	require.Equal(t, []string{"You're approaching Alpha Tower."}, f.announcer.Texts())

	notices := f.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "alpha", notices[0].LandmarkID)
	assert.Equal(t, "Alpha Tower", notices[0].Title)
	assert.Equal(t, "150 meters away", notices[0].Description)
	assert.Equal(t, "Get directions", notices[0].ActionLabel)
}

func TestArbiter_NotificationCooldownSuppressesReentry(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 150, geo.ZoneNotification)}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inside)
	require.Equal(t, 1, f.chime.Plays())

	// Exit and re-enter two minutes later: still inside the 5min cooldown.
	f.arb.Tick(ctx, nil)
	f.clock.Advance(2 * time.Minute)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 1, f.chime.Plays())

	// Once the cooldown has elapsed the next approach fires again.
	f.arb.Tick(ctx, nil)
	f.clock.Advance(4 * time.Minute)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 2, f.chime.Plays())
}

func TestArbiter_InitSnapshotExemptUntilReactivation(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 80, geo.ZoneNotification)}

	// The session starts with alpha already inside the notification zone.
	f.arb.Activate(ctx, inside)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 0, f.chime.Plays())

	// Leaving far past the zone and coming back changes nothing: the
	// snapshot holds for the whole session.
	f.arb.Tick(ctx, []geo.Membership{member("alpha", 600, geo.ZoneFar)})
	f.clock.Advance(10 * time.Minute)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 0, f.chime.Plays())

	// A fresh session started away from alpha recomputes the snapshot, so
	// approaching it now fires.
	f.arb.Deactivate(ctx)
	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 1, f.chime.Plays())
}

func TestArbiter_GraceDefersWithoutDropping(t *testing.T) {
	f := newArbFixture(t) // default 30s grace
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 150, geo.ZoneNotification)}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 0, f.chime.Plays())

	// The entrant stays pending through the quiet window and fires on the
	// first tick after it ends.
	f.clock.Advance(30 * time.Second)
	f.arb.Tick(ctx, inside)
	assert.Equal(t, 1, f.chime.Plays())
}

func TestArbiter_ClosestWinsThenCarryover(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	both := []geo.Membership{
		member("alpha", 120, geo.ZoneNotification),
		member("bravo", 200, geo.ZoneNotification),
	}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, both)

	notices := f.notifier.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "alpha", notices[0].LandmarkID)

	// The loser stays pending and fires on the next tick.
	f.arb.Tick(ctx, both)
	notices = f.notifier.Notices()
	require.Len(t, notices, 2)
	assert.Equal(t, "bravo", notices[1].LandmarkID)
}

func TestArbiter_CardOpensAndAutoCloses(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, []geo.Membership{member("alpha", 60, geo.ZoneCard)})

	cards := f.arb.ActiveCards()
	require.Len(t, cards, 1)
	assert.Equal(t, "Alpha Tower", cards["alpha"].Name)

	// Falling back to the notification band closes the card.
	f.arb.Tick(ctx, []geo.Membership{member("alpha", 150, geo.ZoneNotification)})
	assert.Empty(t, f.arb.ActiveCards())
}

func TestArbiter_CardKeyedByPlaceID(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, []geo.Membership{member("charlie", 50, geo.ZoneCard)})

	cards := f.arb.ActiveCards()
	require.Len(t, cards, 1)
	_, ok := cards["plc-9"]
	assert.True(t, ok)
}

func TestArbiter_CardCooldownSuppressesReopen(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 60, geo.ZoneCard)}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inside)
	require.Len(t, f.arb.ActiveCards(), 1)

	// Exit, then re-enter within the 10min card cooldown: no reopen.
	f.arb.Tick(ctx, nil)
	f.clock.Advance(5 * time.Minute)
	f.arb.Tick(ctx, inside)
	assert.Empty(t, f.arb.ActiveCards())

	// Past the cooldown the card opens again.
	f.arb.Tick(ctx, nil)
	f.clock.Advance(6 * time.Minute)
	f.arb.Tick(ctx, inside)
	assert.Len(t, f.arb.ActiveCards(), 1)
}

func TestArbiter_CloseCardStaysClosedWhileInside(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 60, geo.ZoneCard)}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inside)
	require.Len(t, f.arb.ActiveCards(), 1)

	f.arb.CloseCard("alpha")
	assert.Empty(t, f.arb.ActiveCards())

	// Staying inside the card zone does not resurrect a dismissed card.
	f.arb.Tick(ctx, inside)
	f.arb.Tick(ctx, inside)
	assert.Empty(t, f.arb.ActiveCards())
}

func TestArbiter_OneNewCardPerTick(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	both := []geo.Membership{
		member("alpha", 40, geo.ZoneCard),
		member("bravo", 70, geo.ZoneCard),
	}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, both)
	cards := f.arb.ActiveCards()
	require.Len(t, cards, 1)
	_, ok := cards["alpha"]
	assert.True(t, ok)

	f.arb.Tick(ctx, both)
	assert.Len(t, f.arb.ActiveCards(), 2)
}

func TestArbiter_PrepPreloadsOncePerApproach(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	inPrep := []geo.Membership{member("alpha", 800, geo.ZonePrep)}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inPrep)
	require.Equal(t, []string{"alpha"}, f.preloader.IDs())

	// Lingering in the prep zone does not preload again.
	f.arb.Tick(ctx, inPrep)
	f.arb.Tick(ctx, inPrep)
	assert.Len(t, f.preloader.IDs(), 1)

	// Neither does bouncing out and back in while the prep record lives.
	f.arb.Tick(ctx, nil)
	f.clock.Advance(time.Minute)
	f.arb.Tick(ctx, inPrep)
	assert.Len(t, f.preloader.IDs(), 1)

	// GC purges the record after twice the prep window; the next approach
	// preloads again.
	f.arb.Tick(ctx, nil)
	f.clock.Advance(31 * time.Minute)
	f.arb.Tick(ctx, inPrep)
	assert.Len(t, f.preloader.IDs(), 2)
}

func TestArbiter_CooldownGCPurgesExpired(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 150, geo.ZoneNotification)}

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, inside)
	require.Equal(t, 1, f.chime.Plays())
	f.arb.Tick(ctx, nil)

	// After GC has purged the record (>2x cooldown), persisted state no
	// longer carries the id.
	f.clock.Advance(11 * time.Minute)
	raw, ok, err := f.store.Get(ctx, state.KeyNotifyCooldowns)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "{}", string(raw))
}

func TestArbiter_CooldownsSurviveRestart(t *testing.T) {
	st, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	clock := testutil.NewFakeClock(arbEpoch)
	ctx := context.Background()
	inside := []geo.Membership{member("alpha", 150, geo.ZoneNotification)}

	chime1 := &testutil.CaptureChime{}
	arb1, err := arbiter.New(testRegistry(t), st, clock, arbiter.Collaborators{Chime: chime1},
		arbiter.WithRunner(testutil.InlineRunner), arbiter.WithGracePeriod(0))
	require.NoError(t, err)
	arb1.Activate(ctx, nil)
	arb1.Tick(ctx, inside)
	require.Equal(t, 1, chime1.Plays())

	// A restarted process two minutes later still honors the cooldown.
	clock.Advance(2 * time.Minute)
	chime2 := &testutil.CaptureChime{}
	arb2, err := arbiter.New(testRegistry(t), st, clock, arbiter.Collaborators{Chime: chime2},
		arbiter.WithRunner(testutil.InlineRunner), arbiter.WithGracePeriod(0))
	require.NoError(t, err)
	arb2.Activate(ctx, nil)
	arb2.Tick(ctx, inside)
	assert.Equal(t, 0, chime2.Plays())
}

func TestArbiter_EffectFailuresAreSwallowed(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()
	f.chime.SetError(errors.New("audio device busy"))
	f.announcer.SetError(errors.New("tts offline"))

	f.arb.Activate(ctx, nil)
	f.arb.Tick(ctx, []geo.Membership{member("alpha", 150, geo.ZoneNotification)})

	// The toast still shows even though the audible effects failed.
	assert.Len(t, f.notifier.Notices(), 1)
}

func TestArbiter_InactiveTickIsNoop(t *testing.T) {
	f := newArbFixture(t, arbiter.WithGracePeriod(0))
	ctx := context.Background()

	f.arb.Tick(ctx, []geo.Membership{member("alpha", 150, geo.ZoneNotification)})
	assert.Equal(t, 0, f.chime.Plays())

	// Activate twice: the second call must not retake the snapshot.
	f.arb.Activate(ctx, nil)
	f.arb.Activate(ctx, []geo.Membership{member("alpha", 150, geo.ZoneNotification)})
	f.arb.Tick(ctx, []geo.Membership{member("alpha", 150, geo.ZoneNotification)})
	assert.Equal(t, 1, f.chime.Plays())
}
