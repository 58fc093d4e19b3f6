package pricefeed

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownFeed is returned when no feed is registered for a coin.
var ErrUnknownFeed = errors.New("pricefeed: no feed registered for coin")

// Registry maps coin ids to their USD price feeds.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]Feed
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]Feed)}
}

// Add registers or replaces the feed for coinID.
func (r *Registry) Add(coinID string, feed Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[coinID] = feed
}

// Lookup returns the feed for coinID.
func (r *Registry) Lookup(coinID string) (Feed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	feed, ok := r.feeds[coinID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeed, coinID)
	}
	return feed, nil
}

// Coins lists registered coin ids.
func (r *Registry) Coins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coins := make([]string, 0, len(r.feeds))
	for coin := range r.feeds {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	return coins
}
