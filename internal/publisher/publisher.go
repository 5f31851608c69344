package publisher

import "context"

// Publisher is the broadcast collaborator: call and extension snapshots go
// out through it, at most once per meaningful state transition.
type Publisher interface {
	// Publish sends a transient message.
	Publish(ctx context.Context, topic string, payload []byte) error
	// PublishRetained sends a message the broker keeps for late
	// subscribers. Used for extension status, which is a current-state
	// snapshot rather than an event.
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Close() error
}
