package exec

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// CachingExecutor reuses successful results of calls that set CacheFor.
// Approval-pending outcomes and failures are never cached.
type CachingExecutor struct {
	next CommandExecutor
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// NewCachingExecutor wraps next.
func NewCachingExecutor(next CommandExecutor) *CachingExecutor {
	return &CachingExecutor{next: next, now: time.Now, entries: make(map[string]cacheEntry)}
}

// Execute implements CommandExecutor.
func (c *CachingExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	if call.CacheFor <= 0 {
		return c.next.Execute(ctx, call)
	}
	key, err := cacheKey(call)
	if err != nil {
		return c.next.Execute(ctx, call)
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		res := entry.result
		return &res, nil
	}
	delete(c.entries, key)
	c.mu.Unlock()

	res, err := c.next.Execute(ctx, call)
	if err != nil || res.Status != StatusSuccess {
		return res, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: *res, expires: c.now().Add(call.CacheFor)}
	c.mu.Unlock()
	return res, nil
}

// cacheKey relies on encoding/json sorting map keys.
func cacheKey(call Call) (string, error) {
	args, err := json.Marshal(call.Args)
	if err != nil {
		return "", err
	}
	return call.String() + "\x00" + string(args), nil
}
