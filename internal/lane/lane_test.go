package lane_test

import (
	"sync"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/bus"
)

// recorder captures bus events in emission order. The bus delivers
// synchronously, so the slice order matches the order seen on the wire.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(evt bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) all(eventType string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// types returns the event types in emission order.
func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// newRecordedBus returns a bus with rec subscribed to the given types.
func newRecordedBus(types ...string) (*bus.Bus, *recorder) {
	b := bus.New()
	rec := &recorder{}
	for _, tp := range types {
		b.On(tp, rec.handle)
	}
	return b, rec
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
