package cache

import (
	"errors"
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// Subscription keeps an entry alive and streams its snapshots. Updates only
// retains the latest snapshot; a slow reader skips intermediate states.
type Subscription struct {
	cache   *Cache
	key     string
	updates chan Snapshot
	once    sync.Once
	closed  bool
}

// Subscribe registers interest in q. The current snapshot is delivered
// immediately and an entry that is not fresh starts fetching in the background.
// While at least one subscription is open the entry is never evicted and
// invalidations re-fetch it eagerly.
func (c *Cache) Subscribe(q Query) (*Subscription, error) {
	if q.Key == "" || q.Fetch == nil {
		return nil, errors.New("cache: query requires a key and a fetch function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e := c.lookupOrCreate(q)
	sub := &Subscription{cache: c, key: q.Key, updates: make(chan Snapshot, 1)}
	e.subs[sub] = struct{}{}
	c.idle.Delete(q.Key)

	if status := e.status(); status != StatusFresh && status != StatusFetching {
		c.fetchLocked(e)
	}
	sub.push(e.snapshot())
	return sub, nil
}

// Key returns the query key the subscription follows.
func (s *Subscription) Key() string { return s.key }

// Updates streams snapshots. The channel is closed by Close or when the cache
// shuts down.
func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Snapshot returns the current state of the followed entry.
func (s *Subscription) Snapshot() (Snapshot, bool) {
	return s.cache.Snapshot(s.key)
}

// Close releases the subscription. The last one to leave starts the entry's
// idle timer.
func (s *Subscription) Close() {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed {
		return
	}
	if e, ok := c.entries[s.key]; ok {
		delete(e.subs, s)
		if len(e.subs) == 0 && !c.closed {
			c.idle.Set(s.key, struct{}{}, ttlcache.DefaultTTL)
		}
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		s.closed = true
		close(s.updates)
	})
}

// push replaces any undelivered snapshot with snap. Callers hold the cache lock.
func (s *Subscription) push(snap Snapshot) {
	if s.closed {
		return
	}
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
