package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/l0p7/immogest/internal/client"
	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/templates"
)

// QueryDef declares a read endpoint. Tags must be pure: it sees the decoded
// result, the error and the arguments, nothing else.
type QueryDef[A, R any] struct {
	Name   string
	Path   *templates.Template
	Params func(A) url.Values
	Tags   func(result R, err error, args A) []cache.Tag
}

// MutationDef declares a write endpoint. Body and Multipart are exclusive;
// Tags lists what a successful call invalidates.
type MutationDef[A, R any] struct {
	Name      string
	Method    string
	Path      *templates.Template
	Body      func(A) any
	Multipart func(A) (map[string]string, *client.File)
	Tags      func(result R, err error, args A) []cache.Tag
}

// Query resolves def through the dispatcher's read path.
func Query[A, R any](ctx context.Context, d Dispatcher, def QueryDef[A, R], args A) (R, error) {
	var zero R
	op, err := def.operation(args)
	if err != nil {
		return zero, err
	}
	result, err := d.Read(ctx, op)
	if err != nil {
		return zero, err
	}
	return deref[R](result), nil
}

// Mutate resolves def through the dispatcher's write path.
func Mutate[A, R any](ctx context.Context, d Dispatcher, def MutationDef[A, R], args A) (R, error) {
	var zero R
	op, err := def.operation(args)
	if err != nil {
		return zero, err
	}
	result, err := d.Write(ctx, op)
	if err != nil {
		return zero, err
	}
	return deref[R](result), nil
}

// Watch subscribes to def. The snapshots carry *R payloads; Payload unwraps them.
func Watch[A, R any](d Dispatcher, def QueryDef[A, R], args A) (*cache.Subscription, error) {
	sub, ok := d.(Subscriber)
	if !ok {
		return nil, fmt.Errorf("api: dispatcher %T cannot subscribe", d)
	}
	op, err := def.operation(args)
	if err != nil {
		return nil, err
	}
	return sub.Subscribe(op)
}

// Payload extracts the typed payload from a snapshot produced by Watch.
func Payload[R any](snap cache.Snapshot) (R, bool) {
	if !snap.HasData {
		var zero R
		return zero, false
	}
	p, ok := snap.Data.(*R)
	if !ok || p == nil {
		var zero R
		return zero, false
	}
	return *p, true
}

func (def QueryDef[A, R]) operation(args A) (Operation, error) {
	path, err := def.Path.Render(args)
	if err != nil {
		return Operation{}, fmt.Errorf("api: %s: %w", def.Name, err)
	}
	req := client.Request{Method: http.MethodGet, Path: path}
	if def.Params != nil {
		req.Query = def.Params(args)
	}
	return Operation{
		Endpoint:  def.Name,
		Request:   req,
		NewResult: func() any { return new(R) },
		Tags:      bindTags(def.Tags, args),
	}, nil
}

func (def MutationDef[A, R]) operation(args A) (Operation, error) {
	path, err := def.Path.Render(args)
	if err != nil {
		return Operation{}, fmt.Errorf("api: %s: %w", def.Name, err)
	}
	req := client.Request{Method: def.Method, Path: path}
	switch {
	case def.Multipart != nil:
		req.Fields, req.File = def.Multipart(args)
	case def.Body != nil:
		req.Body = def.Body(args)
	}
	return Operation{
		Endpoint:  def.Name,
		Request:   req,
		NewResult: func() any { return new(R) },
		Tags:      bindTags(def.Tags, args),
	}, nil
}

func bindTags[A, R any](fn func(R, error, A) []cache.Tag, args A) func(any, error) []cache.Tag {
	if fn == nil {
		return nil
	}
	return func(result any, err error) []cache.Tag {
		return fn(deref[R](result), err, args)
	}
}

func deref[R any](result any) R {
	if p, ok := result.(*R); ok && p != nil {
		return *p
	}
	var zero R
	return zero
}
