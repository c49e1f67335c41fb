// Package subscription keeps track of which subjects are current on their court subscription.
package subscription

import (
	"context"
	"sync"

	"github.com/qubic/go-court/entities"
)

type Registry struct {
	mu       sync.RWMutex
	upToDate map[entities.Address]bool
}

func NewRegistry(subscribed ...entities.Address) *Registry {
	r := &Registry{upToDate: make(map[entities.Address]bool, len(subscribed))}
	for _, s := range subscribed {
		r.upToDate[s] = true
	}
	return r
}

func (r *Registry) Set(subject entities.Address, upToDate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upToDate[subject] = upToDate
}

func (r *Registry) IsUpToDate(_ context.Context, subject entities.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upToDate[subject], nil
}
