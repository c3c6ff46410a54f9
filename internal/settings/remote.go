package settings

import "context"

// RemoteStore is the capability surface of the remote configuration store.
// The redis adapter in redisstore is the production implementation; tests
// use testutil.FakeRemote.
type RemoteStore interface {
	// Read fetches the authoritative configuration. Implementations return
	// Default (and no error) for users that have never written one.
	Read(ctx context.Context) (Config, error)

	// Upsert writes the configuration. The caller has already validated it.
	Upsert(ctx context.Context, cfg Config) error

	// Subscribe opens the push channel. A successful return means the
	// channel is established; subsequent failures surface on Errs.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is an established push channel for configuration changes.
type Subscription interface {
	// Updates delivers confirmed remote changes.
	Updates() <-chan Config

	// Errs delivers channel failures. After an error the subscription is
	// dead; the sync state machine reconnects or falls back to polling.
	Errs() <-chan error

	// Close tears the channel down. Idempotent.
	Close() error
}
