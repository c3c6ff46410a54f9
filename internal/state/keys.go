package state

// Well-known persisted keys. Each value is a JSON document; the schema per
// key is fixed here so no other package invents ad hoc keys.
const (
	// KeyNotifyCooldowns is a map of landmark id -> RFC3339 last-fired time
	// for notifications.
	KeyNotifyCooldowns = "notify_cooldowns"

	// KeyCardCooldowns is a map of landmark id -> RFC3339 last-fired time
	// for visual cards.
	KeyCardCooldowns = "card_cooldowns"

	// KeyPrepState is a map of landmark id -> RFC3339 time the imagery
	// preload was requested.
	KeyPrepState = "prep_state"

	// KeyInitSnapshot is a map of landmark id -> true for landmarks that
	// were already inside the notification zone when the engine activated.
	KeyInitSnapshot = "init_snapshot"

	// KeyProximityConfig is the locally cached remote configuration
	// document, kept so a restart has thresholds before the first remote
	// read succeeds.
	KeyProximityConfig = "proximity_config"
)
