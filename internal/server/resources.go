package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/store"
)

const (
	defaultPerPage = 15
	maxPerPage     = 100
	maxJSONBody    = 1 << 20
)

// Fields clients may not set through a JSON body.
var protectedFields = []string{"id", "createdAt", "updatedAt", "documents", "attachedTo"}

type resourceHandler[T any, PT interface {
	*T
	domain.Model
}] struct {
	api  *API
	kind domain.Kind
	repo *store.Repository[T, PT]
}

func mountResource[T any, PT interface {
	*T
	domain.Model
}](a *API, mux *http.ServeMux, kind domain.Kind, repo *store.Repository[T, PT]) {
	h := &resourceHandler[T, PT]{api: a, kind: kind, repo: repo}
	base := "/" + kind.Name
	mux.HandleFunc("GET "+base, h.list)
	mux.HandleFunc("GET "+base+"/{id}", h.get)
	mux.HandleFunc("POST "+base, h.create)
	mux.HandleFunc("PUT "+base+"/{id}", h.update)
	mux.HandleFunc("DELETE "+base+"/{id}", h.delete)
}

func (h *resourceHandler[T, PT]) list(w http.ResponseWriter, r *http.Request) {
	a := h.api
	if err := a.authorize(r.Context(), h.kind, policy.ViewAny, nil); err != nil {
		a.writeError(w, r, err)
		return
	}
	records, err := h.repo.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	page, meta := paginate(filter(records, r.URL.Query().Get("q")), r)
	a.writeJSON(w, http.StatusOK, envelope{Data: page, Meta: meta})
}

func (h *resourceHandler[T, PT]) get(w http.ResponseWriter, r *http.Request) {
	a := h.api
	record, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r.Context(), h.kind, policy.View, record); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, envelope{Data: record})
}

func (h *resourceHandler[T, PT]) create(w http.ResponseWriter, r *http.Request) {
	a := h.api
	body, err := readBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	record := PT(new(T))
	if err := json.Unmarshal(body, record); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %v", errMalformedBody, err))
		return
	}
	if err := a.authorize(r.Context(), h.kind, policy.Create, record); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := record.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	created, err := h.repo.Create(r.Context(), record)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, envelope{Data: created})
}

// update merges the body into the stored record, so omitted fields keep their value.
func (h *resourceHandler[T, PT]) update(w http.ResponseWriter, r *http.Request) {
	a := h.api
	body, err := readBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	record, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r.Context(), h.kind, policy.Update, record); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := json.Unmarshal(body, record); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %v", errMalformedBody, err))
		return
	}
	if err := record.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := h.repo.Save(r.Context(), record); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, envelope{Data: record})
}

func (h *resourceHandler[T, PT]) delete(w http.ResponseWriter, r *http.Request) {
	a := h.api
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	record, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r.Context(), h.kind, policy.Delete, record); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := h.detachDocuments(r.Context(), record); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := h.repo.Delete(r.Context(), record.ResourceID()); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// detachDocuments drops the record from the attachedTo list of its documents.
func (h *resourceHandler[T, PT]) detachDocuments(ctx context.Context, record PT) error {
	attachable, ok := any(record).(domain.Attachable)
	if !ok || h.api.documents == nil {
		return nil
	}
	ref := domain.AttachmentRef{Type: h.kind.Name, ID: record.ResourceID()}
	for _, docID := range attachable.AttachedDocuments() {
		doc, err := h.api.documents.Get(ctx, docID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if doc.Detach(ref) {
			if err := h.api.documents.Save(ctx, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *API) authorize(ctx context.Context, kind domain.Kind, action policy.Action, record any) error {
	resource, err := domain.AsMap(record)
	if err != nil {
		return err
	}
	return a.policies.Authorize(subjectFrom(ctx), kind.Class, action, resource)
}

func readRawBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if len(raw) > maxJSONBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", errMalformedBody, maxJSONBody)
	}
	return raw, nil
}

// readBody reads a JSON object body and strips the server-managed fields.
func readBody(r *http.Request) ([]byte, error) {
	raw, err := readRawBody(r)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	for _, name := range protectedFields {
		delete(fields, name)
	}
	cleaned, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return cleaned, nil
}

func filter[PT domain.Model](records []PT, q string) []PT {
	if strings.TrimSpace(q) == "" {
		return records
	}
	out := make([]PT, 0, len(records))
	for _, record := range records {
		if record.Matches(q) {
			out = append(out, record)
		}
	}
	return out
}

func paginate[PT any](records []PT, r *http.Request) ([]PT, *pageMeta) {
	query := r.URL.Query()
	page := positiveInt(query.Get("page"), 1)
	perPage := positiveInt(query.Get("perPage"), defaultPerPage)
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	total := len(records)
	lastPage := (total + perPage - 1) / perPage
	if lastPage == 0 {
		lastPage = 1
	}
	meta := &pageMeta{Page: page, PerPage: perPage, Total: total, LastPage: lastPage}
	// Compare pages before multiplying so huge page numbers cannot overflow.
	if page > lastPage {
		return records[:0], meta
	}
	start := (page - 1) * perPage
	end := min(start+perPage, total)
	return records[start:end], meta
}

func positiveInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
