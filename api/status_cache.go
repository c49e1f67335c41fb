package api

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/qubic/go-court/business/domain/court"
)

const statusKey = "status"

type StatusProvider interface {
	Status(now uint64) court.Status
}

// StatusCache serves the ledger status without taking the ledger lock on every request.
type StatusCache struct {
	statusProvider StatusProvider
	cache          *ttlcache.Cache[string, court.Status]
	lock           sync.Mutex
}

func NewStatusCache(statusProvider StatusProvider, cache *ttlcache.Cache[string, court.Status]) *StatusCache {
	return &StatusCache{
		statusProvider: statusProvider,
		cache:          cache,
	}
}

func NewStatusTTLCache(ttl time.Duration) *ttlcache.Cache[string, court.Status] {
	return ttlcache.New[string, court.Status](
		ttlcache.WithTTL[string, court.Status](ttl),
		ttlcache.WithDisableTouchOnHit[string, court.Status](),
	)
}

func (s *StatusCache) Status(now uint64) court.Status {
	s.lock.Lock()
	defer s.lock.Unlock()

	item := s.cache.Get(statusKey)
	if item != nil {
		return item.Value()
	}
	status := s.statusProvider.Status(now)
	s.cache.Set(statusKey, status, ttlcache.DefaultTTL)
	return status
}

// Invalidate drops the cached status after a mutation.
func (s *StatusCache) Invalidate() {
	s.cache.Delete(statusKey)
}
