package api

import (
	"context"
	"io"
	"net/http"

	"github.com/l0p7/immogest/internal/client"
	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/templates"
)

const documentsName = "ged"

// Upload describes a file sent to the document store.
type Upload struct {
	Name        string
	Category    string
	FileName    string
	ContentType string
	Content     io.Reader
}

// LinkArgs attaches a document to, or detaches it from, another record.
type LinkArgs struct {
	ID     string
	Target domain.AttachmentRef
}

// Documents is the endpoint table of the document store (GED).
type Documents struct {
	dispatcher Dispatcher

	list   QueryDef[ListParams, Page[domain.Document]]
	upload MutationDef[Upload, Envelope[domain.Document]]
	remove MutationDef[IDArgs, Envelope[domain.Document]]
	attach MutationDef[LinkArgs, Envelope[domain.Document]]
	detach MutationDef[LinkArgs, Envelope[domain.Document]]
}

func NewDocuments(d Dispatcher) *Documents {
	item := "/ged/{{ segment .ID }}"
	return &Documents{
		dispatcher: d,
		list: QueryDef[ListParams, Page[domain.Document]]{
			Name:   "ged.list",
			Path:   templates.Must("ged.list", "/ged"),
			Params: ListParams.values,
			Tags:   listTags[domain.Document](documentsName),
		},
		upload: MutationDef[Upload, Envelope[domain.Document]]{
			Name:      "ged.upload",
			Method:    http.MethodPost,
			Path:      templates.Must("ged.upload", "/ged"),
			Multipart: uploadParts,
			Tags: func(_ Envelope[domain.Document], err error, _ Upload) []cache.Tag {
				if err != nil {
					return nil
				}
				return []cache.Tag{cache.ListTag(documentsName)}
			},
		},
		remove: MutationDef[IDArgs, Envelope[domain.Document]]{
			Name:   "ged.delete",
			Method: http.MethodDelete,
			Path:   templates.Must("ged.delete", item),
			Tags:   deleteDocumentTags,
		},
		attach: linkDef("ged.attach", item+"/attach"),
		detach: linkDef("ged.detach", item+"/detach"),
	}
}

func linkDef(name, path string) MutationDef[LinkArgs, Envelope[domain.Document]] {
	return MutationDef[LinkArgs, Envelope[domain.Document]]{
		Name:   name,
		Method: http.MethodPost,
		Path:   templates.Must(name, path),
		Body:   func(a LinkArgs) any { return a.Target },
		Tags:   linkTags,
	}
}

// linkTags invalidates the document, the document list and the target record,
// whose attached-document list changed.
func linkTags(_ Envelope[domain.Document], err error, args LinkArgs) []cache.Tag {
	if err != nil {
		return nil
	}
	return []cache.Tag{
		cache.EntityTag(documentsName, args.ID),
		cache.ListTag(documentsName),
		cache.EntityTag(args.Target.Type, args.Target.ID),
	}
}

// deleteDocumentTags also invalidates every record the document was attached
// to, since the server unlinks it from each of them.
func deleteDocumentTags(env Envelope[domain.Document], err error, args IDArgs) []cache.Tag {
	tags := entityAndList(documentsName, args.ID, err)
	if tags == nil {
		return nil
	}
	for _, ref := range env.Data.AttachedTo {
		tags = append(tags, cache.EntityTag(ref.Type, ref.ID))
	}
	return tags
}

func uploadParts(u Upload) (map[string]string, *client.File) {
	fields := map[string]string{}
	if u.Name != "" {
		fields["name"] = u.Name
	}
	if u.Category != "" {
		fields["category"] = u.Category
	}
	return fields, &client.File{
		Field:       "file",
		Name:        u.FileName,
		ContentType: u.ContentType,
		Content:     u.Content,
	}
}

// List reads one page of documents.
func (m *Documents) List(ctx context.Context, params ListParams) (Page[domain.Document], error) {
	return Query(ctx, m.dispatcher, m.list, params)
}

// Upload stores a file and its metadata.
func (m *Documents) Upload(ctx context.Context, u Upload) (domain.Document, error) {
	env, err := Mutate(ctx, m.dispatcher, m.upload, u)
	return env.Data, err
}

// Delete removes a document.
func (m *Documents) Delete(ctx context.Context, id string) error {
	_, err := Mutate(ctx, m.dispatcher, m.remove, IDArgs{ID: id})
	return err
}

// Attach links the document to target.
func (m *Documents) Attach(ctx context.Context, id string, target domain.AttachmentRef) (domain.Document, error) {
	env, err := Mutate(ctx, m.dispatcher, m.attach, LinkArgs{ID: id, Target: target})
	return env.Data, err
}

// Detach unlinks the document from target.
func (m *Documents) Detach(ctx context.Context, id string, target domain.AttachmentRef) (domain.Document, error) {
	env, err := Mutate(ctx, m.dispatcher, m.detach, LinkArgs{ID: id, Target: target})
	return env.Data, err
}

// WatchList keeps a document list read alive.
func (m *Documents) WatchList(params ListParams) (*cache.Subscription, error) {
	return Watch(m.dispatcher, m.list, params)
}
