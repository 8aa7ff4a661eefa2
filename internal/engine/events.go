package engine

// Event is a request or loop lifecycle event. RequestID is empty for
// loop-level events (engine_dead, engine_stopped).
type Event struct {
	Name      string
	RequestID string
	Fields    map[string]any
}

// EventPublisher receives events from the engine. Implementations should be
// lightweight and non-blocking; Publish must not panic. It is called from the
// loop and from caller goroutines.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
