// Package cache keeps the results of API reads keyed by query and labelled with
// resource tags. Successful writes invalidate tags; every entry carrying an
// invalidated tag turns stale, subscribed entries are re-fetched in the
// background and unsubscribed ones on their next read.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/immogest/internal/logging"
	"github.com/l0p7/immogest/internal/metrics"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// ErrUnknownKey is returned by Refetch for a key the cache does not track.
var ErrUnknownKey = errors.New("cache: unknown key")

const (
	defaultKeepUnused         = 60 * time.Second
	defaultRefetchConcurrency = 4
)

// Query is one read parameterization.
type Query struct {
	// Key identifies the entry; equal keys share an entry.
	Key string
	// Endpoint names the read for logs and metrics.
	Endpoint string
	// Fetch performs the network read. It runs on the cache's own context so a
	// caller giving up does not abort a fetch other readers may share.
	Fetch func(ctx context.Context) (any, error)
	// Tags derives the tags of a completed fetch. It is called exactly once per
	// completed fetch; tags returned alongside an error are ignored.
	Tags func(result any, err error) []Tag
}

// Snapshot is a point-in-time copy of an entry.
type Snapshot struct {
	Key    string
	Status Status
	// Data is the last successfully fetched payload. It is shared between
	// readers and must be treated as read-only.
	Data    any
	HasData bool
	// Err is the error of the last failed fetch, cleared by the next success.
	Err       error
	Tags      []Tag
	UpdatedAt time.Time
}

// Options tunes a Cache.
type Options struct {
	// KeepUnused is how long an entry without subscribers survives.
	KeepUnused time.Duration
	// RefetchConcurrency bounds background re-fetches started by one invalidation.
	RefetchConcurrency int
	Logger             *slog.Logger
	Metrics            *metrics.Recorder
	Now                func() time.Time
}

// Cache owns the entry table and the tag index. All state transitions happen
// under mu; network calls run outside of it.
type Cache struct {
	keepUnused         time.Duration
	refetchConcurrency int
	logger             *slog.Logger
	metrics            *metrics.Recorder
	now                func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	idle   *ttlcache.Cache[string, struct{}]
	stopOn func()
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	entries  map[string]*entry
	tagIndex map[Tag]mapset.Set[string]
	// seq counts invalidations. While fetches are in flight, invalidatedAt
	// remembers the seq at which each tag was last invalidated so a fetch can
	// tell whether its result was overtaken by a write.
	seq           uint64
	inflight      int
	invalidatedAt map[Tag]uint64
	fetchSeq      uint64
}

type entry struct {
	key   string
	query Query

	data      any
	hasData   bool
	err       error
	tags      []Tag
	updatedAt time.Time

	// gen is bumped by every invalidation; appliedGen is the gen at which the
	// stored payload's fetch started.
	gen        uint64
	appliedGen uint64

	fetching bool
	fetchGen uint64
	fetchKey string

	subs map[*Subscription]struct{}
}

func (e *entry) status() Status {
	if e.fetching && e.fetchGen == e.gen {
		return StatusFetching
	}
	if e.hasData && e.err == nil && e.appliedGen == e.gen {
		return StatusFresh
	}
	return StatusStale
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Key:       e.key,
		Status:    e.status(),
		Data:      e.data,
		HasData:   e.hasData,
		Err:       e.err,
		Tags:      slices.Clone(e.tags),
		UpdatedAt: e.updatedAt,
	}
}

// New builds a cache and starts its idle eviction loop. Close releases it.
func New(opts Options) *Cache {
	keepUnused := opts.KeepUnused
	if keepUnused <= 0 {
		keepUnused = defaultKeepUnused
	}
	concurrency := opts.RefetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultRefetchConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		keepUnused:         keepUnused,
		refetchConcurrency: concurrency,
		logger:             logger.With(slog.String("agent", "resource_cache")),
		metrics:            opts.Metrics,
		now:                now,
		ctx:                ctx,
		cancel:             cancel,
		idle: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](keepUnused),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		entries:       make(map[string]*entry),
		tagIndex:      make(map[Tag]mapset.Set[string]),
		invalidatedAt: make(map[Tag]uint64),
	}
	// Eviction callbacks run on their own goroutine, so taking mu here is safe.
	c.stopOn = c.idle.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.evictIdle(item.Key())
		}
	})
	go c.idle.Start()
	return c
}

// Read returns the payload for q. A fresh entry answers from memory; otherwise
// the caller joins the fetch in flight for the entry's current generation or
// starts one. A caller whose ctx ends gets ctx.Err() while the fetch carries on.
func (c *Cache) Read(ctx context.Context, q Query) (any, error) {
	if q.Key == "" || q.Fetch == nil {
		return nil, errors.New("cache: query requires a key and a fetch function")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.lookupOrCreate(q)
	if len(e.subs) == 0 {
		c.idle.Set(e.key, struct{}{}, ttlcache.DefaultTTL)
	}
	var result metrics.QueryResult
	switch {
	case e.status() == StatusFresh:
		data := e.data
		c.mu.Unlock()
		c.metrics.ObserveQuery(q.Endpoint, metrics.QueryHit)
		return data, nil
	case e.fetching && e.fetchGen == e.gen:
		result = metrics.QueryShared
	case e.hasData || e.err != nil:
		result = metrics.QueryStale
	default:
		result = metrics.QueryMiss
	}
	ch := c.fetchLocked(e)
	c.mu.Unlock()
	c.metrics.ObserveQuery(q.Endpoint, result)

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refetch re-runs the read of a tracked entry regardless of its freshness and
// waits for the result.
func (c *Cache) Refetch(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if !(e.fetching && e.fetchGen == e.gen) {
		// A manual refresh must not join an older fetch, so it opens a new generation.
		e.gen++
	}
	ch := c.fetchLocked(e)
	c.notifyLocked(e)
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate marks every entry carrying one of tags stale and schedules
// background re-fetches for the subscribed ones. It returns the number of
// entries affected.
func (c *Cache) Invalidate(tags ...Tag) int {
	if len(tags) == 0 {
		return 0
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.seq++
	affected := mapset.NewThreadUnsafeSet[string]()
	for _, tag := range tags {
		if c.inflight > 0 {
			c.invalidatedAt[tag] = c.seq
		}
		c.metrics.ObserveInvalidation(tag.Type)
		if keys, ok := c.tagIndex[tag]; ok {
			affected = affected.Union(keys)
		}
	}
	var refetch []*entry
	affected.Each(func(key string) bool {
		e := c.entries[key]
		if e == nil {
			return false
		}
		e.gen++
		c.notifyLocked(e)
		if len(e.subs) > 0 {
			refetch = append(refetch, e)
		}
		return false
	})
	if len(refetch) > 0 {
		c.wg.Add(1)
		go c.dispatchRefetches(refetch)
	}
	c.mu.Unlock()

	c.logger.Debug("tags invalidated",
		slog.Any("tags", tags),
		slog.Int("entries", affected.Cardinality()),
		slog.Int("refetching", len(refetch)),
	)
	return affected.Cardinality()
}

// Snapshot returns the state of the entry stored under key.
func (c *Cache) Snapshot(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Size reports the number of tracked entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every entry, closes all subscriptions and stops background work.
// Fetches still in flight are cancelled and their results discarded.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.entries {
		for sub := range e.subs {
			sub.closeLocked()
		}
	}
	c.entries = make(map[string]*entry)
	c.tagIndex = make(map[Tag]mapset.Set[string])
	c.mu.Unlock()

	c.cancel()
	c.stopOn()
	c.idle.Stop()
	c.wg.Wait()
}

func (c *Cache) lookupOrCreate(q Query) *entry {
	e, ok := c.entries[q.Key]
	if !ok {
		e = &entry{key: q.Key, subs: make(map[*Subscription]struct{})}
		c.entries[q.Key] = e
	}
	// The latest closure wins so a re-fetch uses the caller's current parameters.
	e.query = q
	return e
}

// fetchLocked joins the fetch in flight for the entry's current generation or
// starts a new one. mu must be held.
func (c *Cache) fetchLocked(e *entry) <-chan singleflight.Result {
	if !(e.fetching && e.fetchGen == e.gen) {
		c.fetchSeq++
		e.fetching = true
		e.fetchGen = e.gen
		e.fetchKey = fmt.Sprintf("%s@%d#%d", e.key, e.gen, c.fetchSeq)
		c.inflight++
		startGen, startSeq, q := e.gen, c.seq, e.query
		// DoChan runs fn on its own goroutine; fetchKey is unique per start so a
		// finishing call is never joined by a later start.
		return c.group.DoChan(e.fetchKey, func() (any, error) {
			data, err := q.Fetch(c.ctx)
			var tags []Tag
			if q.Tags != nil {
				tags = q.Tags(data, err)
			}
			c.complete(e, startGen, startSeq, data, tags, err)
			return data, err
		})
	}
	return c.group.DoChan(e.fetchKey, nil)
}

// complete applies the outcome of a fetch that started at generation startGen.
func (c *Cache) complete(e *entry, startGen, startSeq uint64, data any, tags []Tag, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// invalidatedAt must outlive the overtaken check below.
	defer func() {
		c.inflight--
		if c.inflight == 0 {
			clear(c.invalidatedAt)
		}
	}()

	if c.closed || c.entries[e.key] != e {
		c.logger.Debug("fetch result discarded for untracked entry", slog.String("key", e.key))
		c.metrics.ObserveRefetch(e.query.Endpoint, metrics.RefetchDiscarded)
		return
	}
	if e.fetching && e.fetchGen == startGen {
		e.fetching = false
	}
	if e.hasData && startGen < e.appliedGen {
		// A fetch that started later already landed.
		c.metrics.ObserveRefetch(e.query.Endpoint, metrics.RefetchDiscarded)
		return
	}

	if err != nil {
		if startGen == e.gen {
			e.err = err
		}
		c.logger.Debug("fetch failed",
			slog.String("key", e.key),
			slog.String("endpoint", e.query.Endpoint),
			slog.Any("error", err),
		)
		c.notifyLocked(e)
		return
	}

	if startGen == e.gen && c.overtaken(tags, startSeq) {
		// A write touched one of the result's tags while the fetch was in flight
		// but before the entry carried that tag.
		e.gen++
		if len(e.subs) > 0 {
			c.wg.Add(1)
			go c.dispatchRefetches([]*entry{e})
		}
	}

	c.reindexLocked(e, tags)
	e.data = data
	e.hasData = true
	e.err = nil
	e.appliedGen = startGen
	e.updatedAt = c.now()
	c.notifyLocked(e)
}

func (c *Cache) overtaken(tags []Tag, startSeq uint64) bool {
	for _, tag := range tags {
		if seq, ok := c.invalidatedAt[tag]; ok && seq > startSeq {
			return true
		}
	}
	return false
}

func (c *Cache) reindexLocked(e *entry, tags []Tag) {
	for _, tag := range e.tags {
		if keys, ok := c.tagIndex[tag]; ok {
			keys.Remove(e.key)
			if keys.Cardinality() == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
	unique := mapset.NewThreadUnsafeSet[Tag](tags...)
	e.tags = unique.ToSlice()
	slices.SortFunc(e.tags, func(a, b Tag) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.ID, b.ID))
	})
	for _, tag := range e.tags {
		keys, ok := c.tagIndex[tag]
		if !ok {
			keys = mapset.NewThreadUnsafeSet[string]()
			c.tagIndex[tag] = keys
		}
		keys.Add(e.key)
	}
}

func (c *Cache) removeLocked(e *entry) {
	for _, tag := range e.tags {
		if keys, ok := c.tagIndex[tag]; ok {
			keys.Remove(e.key)
			if keys.Cardinality() == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
	delete(c.entries, e.key)
}

func (c *Cache) notifyLocked(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshot()
	for sub := range e.subs {
		sub.push(snap)
	}
}

// dispatchRefetches re-fetches stale subscribed entries with bounded concurrency.
func (c *Cache) dispatchRefetches(entries []*entry) {
	defer c.wg.Done()
	var g errgroup.Group
	g.SetLimit(c.refetchConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			c.refetch(e)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) refetch(e *entry) {
	c.mu.Lock()
	if c.closed || c.entries[e.key] != e || len(e.subs) == 0 || e.status() != StatusStale {
		c.mu.Unlock()
		return
	}
	ch := c.fetchLocked(e)
	c.notifyLocked(e)
	endpoint := e.query.Endpoint
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveRefetch(endpoint, metrics.RefetchError)
			return
		}
		c.metrics.ObserveRefetch(endpoint, metrics.RefetchFresh)
	case <-c.ctx.Done():
	}
}

func (c *Cache) evictIdle(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	e, ok := c.entries[key]
	if !ok || len(e.subs) > 0 || c.idle.Has(key) {
		return
	}
	c.removeLocked(e)
	c.metrics.ObserveEviction()
	c.logger.Debug("idle entry evicted", slog.String("key", key))
}
