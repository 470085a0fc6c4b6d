package cache

import (
	"sync"
	"time"
)

// TTL은 만료 시간이 있는 동시성 안전 캐시입니다
// 만료된 항목은 조회 시점에 정리되며, 백그라운드 고루틴을 사용하지 않습니다
type TTL[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Option은 캐시 생성 옵션입니다
type Option[K comparable, V any] func(*TTL[K, V])

// WithClock은 테스트용 시계를 설정합니다
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTL[K, V]) {
		c.now = now
	}
}

// New는 기본 TTL을 가진 캐시를 생성합니다
func New[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *TTL[K, V] {
	c := &TTL[K, V]{
		items: make(map[K]entry[V]),
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get은 만료되지 않은 값을 반환합니다
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		// 그 사이 다른 고루틴이 갱신했을 수 있으므로 다시 확인
		if cur, ok := c.items[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set은 기본 TTL로 값을 저장합니다
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL은 지정한 TTL로 값을 저장합니다
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete는 항목을 즉시 무효화합니다
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeleteFunc는 조건에 맞는 항목을 모두 무효화합니다
func (c *TTL[K, V]) DeleteFunc(match func(K) bool) {
	c.mu.Lock()
	for k := range c.items {
		if match(k) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}

// Clear는 모든 항목을 무효화합니다
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len은 저장된 항목 수를 반환합니다 (만료 항목 포함)
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
