package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/landmark"
	"github.com/roach88/waypoint/internal/state"
)

// Tick processes one classified position sample. Must only be called by
// the owning engine instance, from its single-writer loop: the synchronous
// state writes here are what make a re-entrant tick unable to double-fire.
//
// memberships must be sorted ascending by distance (geo.Classify output).
func (a *Arbiter) Tick(ctx context.Context, memberships []geo.Membership) {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	now := a.clock.Now()

	notifySet := make(map[string]geo.Membership)
	cardSet := make(map[string]bool)
	prepSet := make(map[string]bool)
	for _, m := range memberships {
		if m.InZone(geo.ZoneNotification) {
			notifySet[m.LandmarkID] = m
		}
		if m.InZone(geo.ZoneCard) {
			cardSet[m.LandmarkID] = true
		}
		if m.InZone(geo.ZonePrep) {
			prepSet[m.LandmarkID] = true
		}
	}

	var effects []func()
	if eff := a.processNotificationsLocked(ctx, now, memberships, notifySet); eff != nil {
		effects = append(effects, eff)
	}
	a.processCardsLocked(ctx, now, memberships, cardSet)
	effects = append(effects, a.processPrepLocked(ctx, now, memberships, prepSet)...)

	a.prevNotify = idSet(notifySet)
	a.prevCard = cardSet
	a.prevPrep = prepSet
	a.mu.Unlock()

	for _, eff := range effects {
		a.runner(eff)
	}
}

// processNotificationsLocked diffs the notification-zone set and fires at
// most one notification: the closest surviving candidate.
//
// Entrants that survive the snapshot filter but lose the closest-wins race
// (or are inside the grace window) stay pending and compete again next
// tick. Snapshot members and cooled-down ids are dropped outright.
func (a *Arbiter) processNotificationsLocked(ctx context.Context, now time.Time, memberships []geo.Membership, notifySet map[string]geo.Membership) func() {
	for id := range notifySet {
		if !a.prevNotify[id] {
			a.pending[id] = true
		}
	}
	for id := range a.pending {
		if _, in := notifySet[id]; !in {
			delete(a.pending, id)
		}
	}

	inGrace := now.Before(a.graceUntil)

	// memberships is distance-ascending, so the first surviving pending
	// candidate is the closest.
	var fire *geo.Membership
	for i := range memberships {
		m := memberships[i]
		if !a.pending[m.LandmarkID] {
			continue
		}
		if a.initSnapshot[m.LandmarkID] {
			delete(a.pending, m.LandmarkID)
			continue
		}
		if last, ok := a.notifyCooldowns[m.LandmarkID]; ok && now.Sub(last) < NotificationCooldown {
			delete(a.pending, m.LandmarkID)
			continue
		}
		if inGrace {
			// Still pending; reconsidered once the quiet window ends.
			continue
		}
		fire = &m
		break
	}
	if fire == nil {
		return nil
	}

	lm, ok := a.reg.Get(fire.LandmarkID)
	if !ok {
		delete(a.pending, fire.LandmarkID)
		return nil
	}

	// Cooldown is written and persisted before any side effect starts.
	a.notifyCooldowns[lm.ID] = now
	delete(a.pending, lm.ID)
	a.persistTimeMapLocked(ctx, state.KeyNotifyCooldowns, a.notifyCooldowns)

	distance := fire.DistanceMeters
	slog.Info("arbiter: notification fired",
		"landmark", lm.ID, "distance_m", int(distance))

	collab := a.collab
	return func() {
		effCtx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()

		if collab.Chime != nil {
			if err := collab.Chime.Play(effCtx); err != nil {
				slog.Warn("arbiter: chime failed", "landmark", lm.ID, "error", err)
			}
		}
		if collab.Announcer != nil {
			text := fmt.Sprintf("You're approaching %s.", lm.Name)
			if err := collab.Announcer.Speak(effCtx, text); err != nil {
				slog.Warn("arbiter: announcement failed", "landmark", lm.ID, "error", err)
			}
		}
		if collab.Notifier != nil {
			n := Notice{
				LandmarkID:  lm.ID,
				Title:       lm.Name,
				Description: fmt.Sprintf("%d meters away", int(distance)),
				ActionLabel: "Get directions",
			}
			if err := collab.Notifier.Show(effCtx, n); err != nil {
				slog.Warn("arbiter: toast failed", "landmark", lm.ID, "error", err)
			}
		}
	}
}

// processCardsLocked diffs the card-zone set. Cards ignore the grace
// period; they have their own cooldown and a one-new-card-per-tick rule,
// and auto-close when their landmark exits the card zone.
func (a *Arbiter) processCardsLocked(ctx context.Context, now time.Time, memberships []geo.Membership, cardSet map[string]bool) {
	for id := range cardSet {
		if !a.prevCard[id] {
			a.pendingCard[id] = true
		}
	}
	for id := range a.pendingCard {
		if !cardSet[id] {
			delete(a.pendingCard, id)
		}
	}

	var open *landmark.Landmark
	for i := range memberships {
		m := memberships[i]
		if !a.pendingCard[m.LandmarkID] {
			continue
		}
		if last, ok := a.cardCooldowns[m.LandmarkID]; ok && now.Sub(last) < CardCooldown {
			delete(a.pendingCard, m.LandmarkID)
			continue
		}
		lm, ok := a.reg.Get(m.LandmarkID)
		if !ok {
			delete(a.pendingCard, m.LandmarkID)
			continue
		}
		open = &lm
		break
	}

	if open != nil {
		a.cardCooldowns[open.ID] = now
		delete(a.pendingCard, open.ID)
		a.persistTimeMapLocked(ctx, state.KeyCardCooldowns, a.cardCooldowns)
		a.activeCards[open.CardKey()] = *open
		slog.Info("arbiter: card opened", "landmark", open.ID)
	}

	// Auto-close cards whose landmark left the card zone.
	for key, lm := range a.activeCards {
		if !cardSet[lm.ID] {
			delete(a.activeCards, key)
			slog.Debug("arbiter: card auto-closed", "landmark", lm.ID)
		}
	}
}

// processPrepLocked marks newly-entered prep-zone landmarks in-flight
// before the async preload starts, preventing duplicate requests.
func (a *Arbiter) processPrepLocked(ctx context.Context, now time.Time, memberships []geo.Membership, prepSet map[string]bool) []func() {
	var effects []func()
	dirty := false

	for i := range memberships {
		m := memberships[i]
		if !prepSet[m.LandmarkID] || a.prevPrep[m.LandmarkID] {
			continue
		}
		if _, inFlight := a.prepState[m.LandmarkID]; inFlight {
			continue
		}
		lm, ok := a.reg.Get(m.LandmarkID)
		if !ok {
			continue
		}
		if a.collab.Preloader == nil {
			continue
		}

		a.prepState[lm.ID] = now
		dirty = true

		preloader := a.collab.Preloader
		captured := lm
		effects = append(effects, func() {
			effCtx, cancel := context.WithTimeout(context.Background(), effectTimeout)
			defer cancel()
			if err := preloader.Preload(effCtx, captured); err != nil {
				slog.Warn("arbiter: preload failed", "landmark", captured.ID, "error", err)
			}
		})
	}

	if dirty {
		a.persistTimeMapLocked(ctx, state.KeyPrepState, a.prepState)
	}
	return effects
}

// scheduleGCLocked starts the periodic purge of expired records.
func (a *Arbiter) scheduleGCLocked() {
	a.gcTimer = a.clock.AfterFunc(gcInterval, a.runGC)
}

// runGC purges records older than twice their cooldown window and
// persists any map it changed.
func (a *Arbiter) runGC() {
	ctx := context.Background()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}
	now := a.clock.Now()

	if purgeOlderThan(a.notifyCooldowns, now, 2*NotificationCooldown) {
		a.persistTimeMapLocked(ctx, state.KeyNotifyCooldowns, a.notifyCooldowns)
	}
	if purgeOlderThan(a.cardCooldowns, now, 2*CardCooldown) {
		a.persistTimeMapLocked(ctx, state.KeyCardCooldowns, a.cardCooldowns)
	}
	if purgeOlderThan(a.prepState, now, 2*prepWindow) {
		a.persistTimeMapLocked(ctx, state.KeyPrepState, a.prepState)
	}

	a.scheduleGCLocked()
}

func purgeOlderThan(m map[string]time.Time, now time.Time, window time.Duration) bool {
	changed := false
	for id, t := range m {
		if now.Sub(t) > window {
			delete(m, id)
			changed = true
		}
	}
	return changed
}

func idSet(m map[string]geo.Membership) map[string]bool {
	out := make(map[string]bool, len(m))
	for id := range m {
		out[id] = true
	}
	return out
}
