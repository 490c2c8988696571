// Package api describes the immogest endpoints declaratively and resolves them
// through the resource cache: reads populate tagged entries, successful writes
// invalidate tags.
package api

import (
	"context"
	"log/slog"

	"github.com/l0p7/immogest/internal/client"
	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/logging"
)

// Operation is one resolved endpoint call.
type Operation struct {
	Endpoint string
	Request  client.Request
	// NewResult allocates the value the response payload decodes into.
	NewResult func() any
	Tags      func(result any, err error) []cache.Tag
}

// Dispatcher resolves operations. Read goes through the cache, Write goes to
// the network and invalidates on success.
type Dispatcher interface {
	Read(ctx context.Context, op Operation) (any, error)
	Write(ctx context.Context, op Operation) (any, error)
}

// Subscriber is implemented by dispatchers that can keep a read alive.
type Subscriber interface {
	Subscribe(op Operation) (*cache.Subscription, error)
}

// Transport performs one HTTP exchange; *client.Client implements it.
type Transport interface {
	Do(ctx context.Context, req client.Request, out any) error
}

// CachedDispatcher binds a transport to a cache.
type CachedDispatcher struct {
	transport Transport
	cache     *cache.Cache
	logger    *slog.Logger
}

func NewDispatcher(transport Transport, c *cache.Cache, logger *slog.Logger) *CachedDispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CachedDispatcher{
		transport: transport,
		cache:     c,
		logger:    logger.With(slog.String("agent", "api_dispatcher")),
	}
}

// Cache exposes the underlying cache.
func (d *CachedDispatcher) Cache() *cache.Cache { return d.cache }

func (d *CachedDispatcher) Read(ctx context.Context, op Operation) (any, error) {
	return d.cache.Read(ctx, d.query(op))
}

func (d *CachedDispatcher) Subscribe(op Operation) (*cache.Subscription, error) {
	return d.cache.Subscribe(d.query(op))
}

// Write performs the call and, only when it succeeds, invalidates the tags
// derived from its result. Invalidations of overlapping writes apply in
// completion order.
func (d *CachedDispatcher) Write(ctx context.Context, op Operation) (any, error) {
	result, err := d.do(ctx, op)
	var tags []cache.Tag
	if op.Tags != nil {
		tags = op.Tags(result, err)
	}
	if err != nil {
		d.logger.Debug("write failed",
			slog.String("endpoint", op.Endpoint),
			slog.String("kind", client.KindOf(err).String()),
		)
		return nil, err
	}
	affected := d.cache.Invalidate(tags...)
	d.logger.Debug("write completed",
		slog.String("endpoint", op.Endpoint),
		slog.Int("tags", len(tags)),
		slog.Int("invalidated", affected),
	)
	return result, nil
}

func (d *CachedDispatcher) query(op Operation) cache.Query {
	key := descriptor{
		Endpoint: op.Endpoint,
		Method:   op.Request.Method,
		Path:     op.Request.Path,
		Query:    op.Request.Query,
	}.Key()
	return cache.Query{
		Key:      key,
		Endpoint: op.Endpoint,
		Fetch: func(ctx context.Context) (any, error) {
			return d.do(ctx, op)
		},
		Tags: op.Tags,
	}
}

func (d *CachedDispatcher) do(ctx context.Context, op Operation) (any, error) {
	var out any
	if op.NewResult != nil {
		out = op.NewResult()
	}
	if err := d.transport.Do(ctx, op.Request, out); err != nil {
		return nil, err
	}
	return out, nil
}
