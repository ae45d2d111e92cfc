package telemetry

import "github.com/nugget/hostbridge/internal/events"

// Handler consumes bus events.
type Handler interface {
	Handle(events.Event)
}

// subscriberBuffer sizes the bus subscription. A run publishes a few
// dozen events; frames from an inspecting transport add two per request.
const subscriberBuffer = 1024

// Attach subscribes handlers to bus and feeds them every event on a
// background goroutine. The returned detach function unsubscribes and
// blocks until queued events have been handled.
func Attach(bus *events.Bus, handlers ...Handler) (detach func()) {
	ch := bus.Subscribe(subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range ch {
			for _, h := range handlers {
				h.Handle(e)
			}
		}
	}()

	return func() {
		bus.Unsubscribe(ch)
		<-done
	}
}
