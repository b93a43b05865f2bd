package notify

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"github.com/bringyour/atelier/bus"
)

type ChangeFunction func()

type StoreSettings struct {
	Retention time.Duration
	MaxCount  int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		Retention: 10 * time.Second,
		MaxCount:  50,
	}
}

type entry struct {
	notification Notification
	expiresAt    time.Time
}

// holds the most recent notifications, newest first
// each notification is removed after the retention window
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *StoreSettings

	stateLock sync.Mutex
	// newest first
	entries []*entry

	// one expiry queue for all entries
	expiry *ttlcache.Cache[string, struct{}]

	changeCallbacks *bus.CallbackList[ChangeFunction]
}

func NewStoreWithDefaults(ctx context.Context) *Store {
	return NewStore(ctx, DefaultStoreSettings())
}

func NewStore(ctx context.Context, settings *StoreSettings) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)

	expiry := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](settings.Retention),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)

	store := &Store{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		expiry:          expiry,
		changeCallbacks: bus.NewCallbackList[ChangeFunction](),
	}

	expiry.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason == ttlcache.EvictionReasonExpired {
			// the eviction callback can run under the cache lock
			go store.expire(item.Key())
		}
	})

	go expiry.Start()
	go func() {
		<-cancelCtx.Done()
		expiry.Stop()
	}()

	return store
}

func (self *Store) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Store) changed() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		bus.HandleError(changeCallback)
	}
}

func (self *Store) isClosed() bool {
	select {
	case <-self.ctx.Done():
		return true
	default:
		return false
	}
}

// must be called with the state lock
func (self *Store) indexOf(id string) int {
	return slices.IndexFunc(self.entries, func(e *entry) bool {
		return e.notification.Id == id
	})
}

// Add inserts the notification at the head
// returns the assigned id and false when the id is already present
func (self *Store) Add(notification Notification) (string, bool) {
	if self.isClosed() {
		return notification.Id, false
	}

	now := time.Now()
	if notification.Id == "" {
		notification.Id = bus.NewId()
	}
	notification.Type = ParseNotificationType(string(notification.Type))
	if notification.Timestamp.IsZero() {
		notification.Timestamp = now
	}
	notification.Read = false

	added := false
	evictedIds := []string{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if i := self.indexOf(notification.Id); 0 <= i {
			if now.Before(self.entries[i].expiresAt) {
				glog.V(1).Infof("[n]duplicate %s\n", notification.Id)
				return
			}
			// expired but the expiry has not been processed yet
			self.entries = slices.Delete(self.entries, i, i+1)
		}

		self.entries = slices.Insert(self.entries, 0, &entry{
			notification: notification,
			expiresAt:    now.Add(self.settings.Retention),
		})
		if 0 < self.settings.MaxCount && self.settings.MaxCount < len(self.entries) {
			for _, e := range self.entries[self.settings.MaxCount:] {
				evictedIds = append(evictedIds, e.notification.Id)
			}
			self.entries = slices.Clone(self.entries[:self.settings.MaxCount])
		}
		added = true
	}()

	if !added {
		return notification.Id, false
	}

	self.expiry.Set(notification.Id, struct{}{}, self.settings.Retention)
	for _, evictedId := range evictedIds {
		self.expiry.Delete(evictedId)
	}
	self.changed()
	return notification.Id, true
}

func (self *Store) expire(id string) {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := self.indexOf(id)
		if i < 0 {
			return false
		}
		if time.Now().Before(self.entries[i].expiresAt) {
			// re-added since the expiry was scheduled
			return false
		}
		self.entries = slices.Delete(self.entries, i, i+1)
		return true
	}()
	if removed {
		glog.V(2).Infof("[n]expired %s\n", id)
		self.changed()
	}
}

func (self *Store) MarkRead(id string) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := self.indexOf(id)
		if i < 0 || self.entries[i].notification.Read {
			return false
		}
		e := *self.entries[i]
		e.notification.Read = true
		self.entries[i] = &e
		return true
	}()
	if changed {
		self.changed()
	}
}

func (self *Store) MarkAllRead() {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		changed := false
		for i, e := range self.entries {
			if !e.notification.Read {
				readEntry := *e
				readEntry.notification.Read = true
				self.entries[i] = &readEntry
				changed = true
			}
		}
		return changed
	}()
	if changed {
		self.changed()
	}
}

// Remove deletes the notification now and cancels its expiry
func (self *Store) Remove(id string) {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		i := self.indexOf(id)
		if i < 0 {
			return false
		}
		self.entries = slices.Delete(self.entries, i, i+1)
		return true
	}()
	if removed {
		self.expiry.Delete(id)
		self.changed()
	}
}

func (self *Store) Clear() {
	cleared := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		cleared := 0 < len(self.entries)
		self.entries = nil
		return cleared
	}()
	self.expiry.DeleteAll()
	if cleared {
		self.changed()
	}
}

// newest first, without entries past their retention
func (self *Store) Notifications() []Notification {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	notifications := make([]Notification, 0, len(self.entries))
	for _, e := range self.entries {
		if now.Before(e.expiresAt) {
			notifications = append(notifications, e.notification)
		}
	}
	return notifications
}

func (self *Store) Get(id string) (Notification, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := self.indexOf(id)
	if i < 0 || !time.Now().Before(self.entries[i].expiresAt) {
		return Notification{}, false
	}
	return self.entries[i].notification, true
}

func (self *Store) ExpiresAt(id string) (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := self.indexOf(id)
	if i < 0 {
		return time.Time{}, false
	}
	return self.entries[i].expiresAt, true
}

func (self *Store) UnreadCount() int {
	unreadCount := 0
	for _, notification := range self.Notifications() {
		if !notification.Read {
			unreadCount += 1
		}
	}
	return unreadCount
}

// bus handler for `notification`
func (self *Store) HandleNotificationEvent(data json.RawMessage) {
	notification, err := ParseNotificationEvent(data)
	if err != nil {
		glog.Infof("[n]drop notification = %s\n", err)
		return
	}
	self.Add(notification)
}

func (self *Store) Close() {
	self.cancel()
	self.stateLock.Lock()
	self.entries = nil
	self.stateLock.Unlock()
}
