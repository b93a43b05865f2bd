package apicache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type CacheSettings struct {
	DefaultTtl time.Duration
	// 0 is unbounded
	Capacity uint64
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		DefaultTtl: 60 * time.Second,
	}
}

// a key value cache where each entry expires after its ttl
// expired entries are evicted by one timer, whether or not they are read
type Cache[K comparable, V any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *CacheSettings

	cache *ttlcache.Cache[K, V]
}

func NewCacheWithDefaults[K comparable, V any](ctx context.Context) *Cache[K, V] {
	return NewCache[K, V](ctx, DefaultCacheSettings())
}

func NewCache[K comparable, V any](ctx context.Context, settings *CacheSettings) *Cache[K, V] {
	cancelCtx, cancel := context.WithCancel(ctx)

	options := []ttlcache.Option[K, V]{
		ttlcache.WithTTL[K, V](settings.DefaultTtl),
		// a read does not extend the entry
		ttlcache.WithDisableTouchOnHit[K, V](),
	}
	if 0 < settings.Capacity {
		options = append(options, ttlcache.WithCapacity[K, V](settings.Capacity))
	}
	cache := ttlcache.New[K, V](options...)

	go cache.Start()
	go func() {
		<-cancelCtx.Done()
		cache.Stop()
	}()

	return &Cache[K, V]{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		cache:    cache,
	}
}

// replaces any entry for the key and restarts its ttl
// a ttl of 0 uses the default ttl
func (self *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = self.settings.DefaultTtl
	}
	self.cache.Set(key, value, ttl)
}

func (self *Cache[K, V]) Get(key K) (V, bool) {
	item := self.cache.Get(key)
	if item == nil || item.IsExpired() {
		var empty V
		return empty, false
	}
	return item.Value(), true
}

func (self *Cache[K, V]) Has(key K) bool {
	_, ok := self.Get(key)
	return ok
}

func (self *Cache[K, V]) Delete(key K) {
	self.cache.Delete(key)
}

func (self *Cache[K, V]) Clear() {
	self.cache.DeleteAll()
}

func (self *Cache[K, V]) Len() int {
	n := 0
	for _, item := range self.cache.Items() {
		if !item.IsExpired() {
			n += 1
		}
	}
	return n
}

func (self *Cache[K, V]) Close() {
	self.cancel()
	self.cache.DeleteAll()
}
