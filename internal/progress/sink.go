package progress

import "context"

// Sink consumes batches of lifecycle events. Consume may be called many
// times and must honour ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes single events. The orchestrator depends on this rather
// than on Hub.
type Emitter interface {
	Emit(evt Event)
}
