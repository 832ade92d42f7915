package bus_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisho-ai/seisho/internal/bus"
	"github.com/seisho-ai/seisho/internal/model"
)

func event(t model.EventType, msg string) model.Event {
	return model.Event{
		ID:      uuid.New(),
		RunID:   uuid.New(),
		Stage:   "document_processor",
		Type:    t,
		Message: msg,
	}
}

func TestPublish_DeliversInSubscriptionOrder(t *testing.T) {
	b := bus.New(nil)

	var order []string
	b.Subscribe(func(model.Event) { order = append(order, "first") })
	b.Subscribe(func(model.Event) { order = append(order, "second") })
	b.Subscribe(func(model.Event) { order = append(order, "third") })

	b.Publish(event(model.EventStarted, "go"))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestPublish_SynchronousBeforeReturn(t *testing.T) {
	b := bus.New(nil)

	seen := 0
	b.Subscribe(func(model.Event) { seen++ })

	b.Publish(event(model.EventProgress, "one"))
	require.Equal(t, 1, seen, "subscriber must run before Publish returns")
	b.Publish(event(model.EventProgress, "two"))
	require.Equal(t, 2, seen)
}

func TestPublish_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := bus.New(nil)

	var got []string
	b.Subscribe(func(model.Event) { got = append(got, "before") })
	b.Subscribe(func(model.Event) { panic("subscriber blew up") })
	b.Subscribe(func(model.Event) { got = append(got, "after") })

	assert.NotPanics(t, func() {
		b.Publish(event(model.EventWarning, "boom"))
	}, "publisher must be isolated from subscriber panics")
	assert.Equal(t, []string{"before", "after"}, got)
}

func TestPublish_EventsFromOneGoroutineStayOrdered(t *testing.T) {
	b := bus.New(nil)

	var msgs []string
	b.Subscribe(func(ev model.Event) { msgs = append(msgs, ev.Message) })

	for _, m := range []string{"a", "b", "c", "d"} {
		b.Publish(event(model.EventProgress, m))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, msgs)
}

func TestSubscribe_ConcurrentWithPublish(t *testing.T) {
	b := bus.New(nil)

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Subscribe(func(model.Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
		go func() {
			defer wg.Done()
			b.Publish(event(model.EventProgress, "tick"))
		}()
	}
	wg.Wait()

	// No assertion on the exact count; the point is no race or panic.
	b.Publish(event(model.EventCompleted, "done"))
	mu.Lock()
	assert.GreaterOrEqual(t, count, 8)
	mu.Unlock()
}
