package notify

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestAddNewestFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStoreWithDefaults(ctx)
	defer store.Close()

	aId, added := store.Add(Notification{Title: "a"})
	assert.Equal(t, added, true)
	bId, _ := store.Add(Notification{Title: "b", Type: "success"})

	notifications := store.Notifications()
	assert.Equal(t, len(notifications), 2)
	assert.Equal(t, notifications[0].Id, bId)
	assert.Equal(t, notifications[1].Id, aId)
	assert.Equal(t, notifications[0].Type, TypeSuccess)
	// defaults
	assert.Equal(t, notifications[1].Type, TypeInfo)
	assert.Equal(t, notifications[1].Read, false)
	assert.Equal(t, notifications[1].Timestamp.IsZero(), false)
	assert.Equal(t, store.UnreadCount(), 2)
}

func TestAddDuplicateId(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStoreWithDefaults(ctx)
	defer store.Close()

	id, added := store.Add(Notification{Id: "n1", Title: "a"})
	assert.Equal(t, id, "n1")
	assert.Equal(t, added, true)
	_, added = store.Add(Notification{Id: "n1", Title: "b"})
	assert.Equal(t, added, false)

	notifications := store.Notifications()
	assert.Equal(t, len(notifications), 1)
	assert.Equal(t, notifications[0].Title, "a")
}

func TestMaxCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultStoreSettings()
	settings.MaxCount = 3
	store := NewStore(ctx, settings)
	defer store.Close()

	for i := 0; i < 5; i += 1 {
		store.Add(Notification{Id: fmt.Sprintf("n%d", i), Title: "t"})
	}

	ids := []string{}
	for _, notification := range store.Notifications() {
		ids = append(ids, notification.Id)
	}
	assert.Equal(t, ids, []string{"n4", "n3", "n2"})
	_, ok := store.ExpiresAt("n0")
	assert.Equal(t, ok, false)
}

func TestMarkRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStoreWithDefaults(ctx)
	defer store.Close()

	changeCount := 0
	var changeLock sync.Mutex
	store.AddChangeCallback(func() {
		changeLock.Lock()
		defer changeLock.Unlock()
		changeCount += 1
	})

	store.Add(Notification{Id: "a", Title: "a"})
	store.Add(Notification{Id: "b", Title: "b"})
	store.Add(Notification{Id: "c", Title: "c"})

	store.MarkRead("b")
	store.MarkRead("b")
	// absent ids are a no-op
	store.MarkRead("missing")
	assert.Equal(t, store.UnreadCount(), 2)

	b, ok := store.Get("b")
	assert.Equal(t, ok, true)
	assert.Equal(t, b.Read, true)

	store.MarkAllRead()
	assert.Equal(t, store.UnreadCount(), 0)

	changeLock.Lock()
	// three adds, one mark, one mark all
	assert.Equal(t, changeCount, 5)
	changeLock.Unlock()
}

func TestExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultStoreSettings()
	settings.Retention = 100 * time.Millisecond
	store := NewStore(ctx, settings)
	defer store.Close()

	expired := make(chan struct{}, 8)
	store.AddChangeCallback(func() {
		if len(store.Notifications()) == 0 {
			select {
			case expired <- struct{}{}:
			default:
			}
		}
	})

	start := time.Now()
	store.Add(Notification{Id: "a", Title: "a"})
	expiresAt, ok := store.ExpiresAt("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, !expiresAt.Before(start.Add(settings.Retention)), true)

	select {
	case <-expired:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never expired")
	}
	assert.Equal(t, len(store.Notifications()), 0)
	_, ok = store.Get("a")
	assert.Equal(t, ok, false)

	// never returned after expiry, even before the expiry is processed
	store.Add(Notification{Id: "b", Title: "b"})
	time.Sleep(settings.Retention)
	_, ok = store.Get("b")
	assert.Equal(t, ok, false)
}

func TestRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultStoreSettings()
	settings.Retention = 100 * time.Millisecond
	store := NewStore(ctx, settings)
	defer store.Close()

	store.Add(Notification{Id: "a", Title: "a"})
	store.Remove("a")
	store.Remove("a")
	assert.Equal(t, len(store.Notifications()), 0)

	// re-adding after remove starts a new retention window
	store.Add(Notification{Id: "a", Title: "a2"})
	a, ok := store.Get("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, a.Title, "a2")

	store.Clear()
	assert.Equal(t, len(store.Notifications()), 0)
	assert.Equal(t, store.expiry.Len(), 0)
}

func TestClearCancelsExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultStoreSettings()
	settings.Retention = 50 * time.Millisecond
	store := NewStore(ctx, settings)
	defer store.Close()

	store.Add(Notification{Id: "a", Title: "a"})
	store.Add(Notification{Id: "b", Title: "b"})
	store.Clear()

	var changeLock sync.Mutex
	changeCount := 0
	store.AddChangeCallback(func() {
		changeLock.Lock()
		defer changeLock.Unlock()
		changeCount += 1
	})

	time.Sleep(3 * settings.Retention)

	changeLock.Lock()
	assert.Equal(t, changeCount, 0)
	changeLock.Unlock()
	assert.Equal(t, len(store.Notifications()), 0)
}

func TestHandleNotificationEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStoreWithDefaults(ctx)
	defer store.Close()

	store.HandleNotificationEvent(json.RawMessage(`{"title":"Sample","body":"approved","type":"SUCCESS","timestamp":"2024-03-01T10:00:00Z"}`))
	store.HandleNotificationEvent(json.RawMessage(`{"type":"techpack","action":"created","item":{"_id":"tp1"},"message":"New techpack created"}`))
	// dropped
	store.HandleNotificationEvent(json.RawMessage(`{"type":"info"}`))
	store.HandleNotificationEvent(json.RawMessage(`not json`))

	notifications := store.Notifications()
	assert.Equal(t, len(notifications), 2)

	created := notifications[0]
	assert.Equal(t, created.Title, "created")
	assert.Equal(t, created.Message, "New techpack created")
	assert.Equal(t, created.Type, TypeInfo)
	assert.Equal(t, string(created.Data), `{"_id":"tp1"}`)

	sample := notifications[1]
	assert.Equal(t, sample.Title, "Sample")
	assert.Equal(t, sample.Message, "approved")
	assert.Equal(t, sample.Type, TypeSuccess)
	assert.Equal(t, sample.Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), true)
}
