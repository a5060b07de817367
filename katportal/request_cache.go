package katportal

import (
	"strings"
	"sync"
)

// requestCache records the subscribe and sampling-strategy calls made while
// the websocket was connected so they can be resent after a reconnect. The
// cache preserves insertion order and holds at most one entry per
// (method, params) identity.
//
// An unsubscribe removes the matching subscribe and is never itself cached:
// a fresh websocket connection has no subscriptions on katportal, so there
// is nothing for a replayed unsubscribe to undo. A sampling-strategy call
// whose strategy is the literal "none" clears the cached strategy for the
// same namespace and sensor/filter pair and is likewise never cached.
type requestCache struct {
	mu      sync.Mutex
	entries []*JSONRPCRequest
}

func newRequestCache() *requestCache {
	return &requestCache{}
}

func (cache *requestCache) record(req *JSONRPCRequest) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	switch {
	case req.Method == "unsubscribe":
		cache.removeMatching(func(cached *JSONRPCRequest) bool {
			return cached.Method == "subscribe" && cached.paramsIdentity() == req.paramsIdentity()
		})

	case strings.HasPrefix(req.Method, "set_sampling_strat") && req.strategyParamIsNone():
		// Positions 0 and 1 of params are always the namespace and the
		// sensor name or filter.
		cache.removeMatching(func(cached *JSONRPCRequest) bool {
			return cached.Method == req.Method &&
				cached.paramAt(0) == req.paramAt(0) &&
				cached.paramAt(1) == req.paramAt(1)
		})

	default:
		identity := req.identity()
		for _, cached := range cache.entries {
			if cached.identity() == identity {
				return
			}
		}
		cache.entries = append(cache.entries, req)
	}
}

func (cache *requestCache) removeMatching(match func(*JSONRPCRequest) bool) {
	kept := cache.entries[:0]
	for _, cached := range cache.entries {
		if !match(cached) {
			kept = append(kept, cached)
		}
	}
	cache.entries = kept
}

// snapshot returns the cached requests in insertion order.
func (cache *requestCache) snapshot() []*JSONRPCRequest {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	entries := make([]*JSONRPCRequest, len(cache.entries))
	copy(entries, cache.entries)
	return entries
}

// subscriptions returns the cached subscribe requests in insertion order.
func (cache *requestCache) subscriptions() []*JSONRPCRequest {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	var entries []*JSONRPCRequest
	for _, cached := range cache.entries {
		if cached.Method == "subscribe" {
			entries = append(entries, cached)
		}
	}
	return entries
}

func (cache *requestCache) clear() {
	cache.mu.Lock()
	cache.entries = nil
	cache.mu.Unlock()
}

func (cache *requestCache) size() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.entries)
}

// strategyParamIsNone reports whether the sampling-strategy param (always at
// index 2) is the literal clearing value.
func (req *JSONRPCRequest) strategyParamIsNone() bool {
	if len(req.Params) < 3 {
		return false
	}
	strategy, ok := req.Params[2].(string)
	return ok && strategy == "none"
}
