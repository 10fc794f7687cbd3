package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case e := <-sub.C():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer sub.Close()

	b.Emit(EventIngestStarted, "import started", "job_id", "j1")

	e := recv(t, sub)
	assert.Equal(t, EventIngestStarted, e.Type)
	assert.Equal(t, "j1", e.Metadata["job_id"])
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(EventGroupSwitched)
	defer sub.Close()

	b.Emit(EventDaemonStarted, "daemon up")
	b.Emit(EventGroupSwitched, "group 1 to 2")

	e := recv(t, sub)
	assert.Equal(t, EventGroupSwitched, e.Type)
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestStopClosesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()

	sub := b.Subscribe()
	b.Stop()
	b.Stop() // idempotent

	_, open := <-sub.C()
	assert.False(t, open)

	// New subscriptions after Stop are closed immediately.
	late := b.Subscribe()
	_, open = <-late.C()
	assert.False(t, open)
}

func TestEmitOddMetadataIgnoresTrailingKey(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer sub.Close()

	b.Emit(EventMirrorFailed, "mirror failed", "remote", "box", "dangling")

	e := recv(t, sub)
	assert.Equal(t, map[string]string{"remote": "box"}, e.Metadata)
}

func TestNilBrokerDropsEvents(t *testing.T) {
	var b *Broker
	b.Emit(EventGroupFull, "dropped", "group", "1")
	b.Publish(&Event{Type: EventGroupFull})
}
