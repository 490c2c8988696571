package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/templates"
)

// Envelope is the body of single-record responses.
type Envelope[T any] struct {
	Data T `json:"data"`
}

// PageMeta mirrors the pagination block of list responses.
type PageMeta struct {
	Page     int `json:"page"`
	PerPage  int `json:"perPage"`
	Total    int `json:"total"`
	LastPage int `json:"lastPage"`
}

// Page is one page of a list response.
type Page[T any] struct {
	Items []T      `json:"data"`
	Meta  PageMeta `json:"meta"`
}

// ListParams narrows a list read. Zero values leave the server defaults.
type ListParams struct {
	Page    int
	PerPage int
	Query   string
}

func (p ListParams) values() url.Values {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.PerPage > 0 {
		v.Set("perPage", strconv.Itoa(p.PerPage))
	}
	if q := strings.TrimSpace(p.Query); q != "" {
		v.Set("q", q)
	}
	return v
}

// IDArgs addresses one record.
type IDArgs struct {
	ID string
}

// WriteArgs carries a request body and, for updates, the record id.
type WriteArgs struct {
	ID   string
	Body any
}

// Identified is satisfied by records exposing their id.
type Identified interface {
	ResourceID() string
}

// Resource is the endpoint table of one REST resource.
type Resource[T any, PT interface {
	*T
	Identified
}] struct {
	name       string
	dispatcher Dispatcher

	list   QueryDef[ListParams, Page[T]]
	get    QueryDef[IDArgs, Envelope[T]]
	create MutationDef[WriteArgs, Envelope[T]]
	update MutationDef[WriteArgs, Envelope[T]]
	remove MutationDef[IDArgs, struct{}]
}

// NewResource builds the endpoint table for the resource mounted at /name.
func NewResource[T any, PT interface {
	*T
	Identified
}](d Dispatcher, name string) *Resource[T, PT] {
	base := "/" + name
	item := base + "/{{ segment .ID }}"
	return &Resource[T, PT]{
		name:       name,
		dispatcher: d,
		list: QueryDef[ListParams, Page[T]]{
			Name:   name + ".list",
			Path:   templates.Must(name+".list", base),
			Params: ListParams.values,
			Tags:   listTags[T, PT](name),
		},
		get: QueryDef[IDArgs, Envelope[T]]{
			Name: name + ".get",
			Path: templates.Must(name+".get", item),
			Tags: func(_ Envelope[T], err error, args IDArgs) []cache.Tag {
				if err != nil {
					return nil
				}
				return []cache.Tag{cache.EntityTag(name, args.ID)}
			},
		},
		create: MutationDef[WriteArgs, Envelope[T]]{
			Name:   name + ".create",
			Method: http.MethodPost,
			Path:   templates.Must(name+".create", base),
			Body:   func(a WriteArgs) any { return a.Body },
			Tags: func(_ Envelope[T], err error, _ WriteArgs) []cache.Tag {
				if err != nil {
					return nil
				}
				return []cache.Tag{cache.ListTag(name)}
			},
		},
		update: MutationDef[WriteArgs, Envelope[T]]{
			Name:   name + ".update",
			Method: http.MethodPut,
			Path:   templates.Must(name+".update", item),
			Body:   func(a WriteArgs) any { return a.Body },
			Tags: func(_ Envelope[T], err error, args WriteArgs) []cache.Tag {
				return entityAndList(name, args.ID, err)
			},
		},
		remove: MutationDef[IDArgs, struct{}]{
			Name:   name + ".delete",
			Method: http.MethodDelete,
			Path:   templates.Must(name+".delete", item),
			Tags: func(_ struct{}, err error, args IDArgs) []cache.Tag {
				tags := entityAndList(name, args.ID, err)
				if tags == nil {
					return nil
				}
				// The server unlinks the record from its documents.
				return append(tags, cache.ListTag(documentsName))
			},
		},
	}
}

// Name returns the resource path segment, which is also its tag type.
func (r *Resource[T, PT]) Name() string { return r.name }

// List reads one page. It provides the collection tag plus one tag per item.
func (r *Resource[T, PT]) List(ctx context.Context, params ListParams) (Page[T], error) {
	return Query(ctx, r.dispatcher, r.list, params)
}

// Get reads one record.
func (r *Resource[T, PT]) Get(ctx context.Context, id string) (T, error) {
	env, err := Query(ctx, r.dispatcher, r.get, IDArgs{ID: id})
	return env.Data, err
}

// Create posts body, a struct or map encoded as JSON, and invalidates the
// collection tag.
func (r *Resource[T, PT]) Create(ctx context.Context, body any) (T, error) {
	env, err := Mutate(ctx, r.dispatcher, r.create, WriteArgs{Body: body})
	return env.Data, err
}

// Update sends body as a partial update: fields it omits keep their stored
// value. It invalidates the record and collection tags.
func (r *Resource[T, PT]) Update(ctx context.Context, id string, body any) (T, error) {
	env, err := Mutate(ctx, r.dispatcher, r.update, WriteArgs{ID: id, Body: body})
	return env.Data, err
}

// Delete removes the record and invalidates the record and collection tags,
// plus the document list whose attachments referenced it.
func (r *Resource[T, PT]) Delete(ctx context.Context, id string) error {
	_, err := Mutate(ctx, r.dispatcher, r.remove, IDArgs{ID: id})
	return err
}

// WatchList keeps a list read alive; it is re-fetched whenever a write
// invalidates one of its tags.
func (r *Resource[T, PT]) WatchList(params ListParams) (*cache.Subscription, error) {
	return Watch(r.dispatcher, r.list, params)
}

// WatchGet keeps a record read alive.
func (r *Resource[T, PT]) WatchGet(id string) (*cache.Subscription, error) {
	return Watch(r.dispatcher, r.get, IDArgs{ID: id})
}

func listTags[T any, PT interface {
	*T
	Identified
}](name string) func(Page[T], error, ListParams) []cache.Tag {
	return func(page Page[T], err error, _ ListParams) []cache.Tag {
		if err != nil {
			return nil
		}
		tags := make([]cache.Tag, 0, len(page.Items)+1)
		tags = append(tags, cache.ListTag(name))
		for i := range page.Items {
			tags = append(tags, cache.EntityTag(name, PT(&page.Items[i]).ResourceID()))
		}
		return tags
	}
}

func entityAndList(name, id string, err error) []cache.Tag {
	if err != nil {
		return nil
	}
	return []cache.Tag{cache.EntityTag(name, id), cache.ListTag(name)}
}
