package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/store"
)

// attachTarget is a collection whose records can carry GED documents.
type attachTarget interface {
	kind() domain.Kind
	load(ctx context.Context, id string) (domain.Attachable, error)
	save(ctx context.Context, record domain.Attachable) error
}

type repoTarget[T any, PT interface {
	*T
	domain.Attachable
}] struct {
	k    domain.Kind
	repo *store.Repository[T, PT]
}

func registerTarget[T any, PT interface {
	*T
	domain.Attachable
}](a *API, kind domain.Kind, repo *store.Repository[T, PT]) {
	a.targets[kind.Name] = &repoTarget[T, PT]{k: kind, repo: repo}
}

func (t *repoTarget[T, PT]) kind() domain.Kind { return t.k }

func (t *repoTarget[T, PT]) load(ctx context.Context, id string) (domain.Attachable, error) {
	return t.repo.Get(ctx, id)
}

func (t *repoTarget[T, PT]) save(ctx context.Context, record domain.Attachable) error {
	typed, ok := record.(PT)
	if !ok {
		return fmt.Errorf("server: %s cannot store %T", t.k.Name, record)
	}
	return t.repo.Save(ctx, typed)
}

type documentHandler struct {
	api  *API
	repo *store.Repository[domain.Document, *domain.Document]
}

func (a *API) mountDocuments(mux *http.ServeMux, repo *store.Repository[domain.Document, *domain.Document]) {
	h := &documentHandler{api: a, repo: repo}
	generic := &resourceHandler[domain.Document, *domain.Document]{api: a, kind: domain.KindDocuments, repo: repo}
	mux.HandleFunc("GET /ged", generic.list)
	mux.HandleFunc("POST /ged", h.upload)
	mux.HandleFunc("DELETE /ged/{id}", h.delete)
	mux.HandleFunc("POST /ged/{id}/attach", h.attach)
	mux.HandleFunc("POST /ged/{id}/detach", h.detach)
}

// upload accepts a multipart form with a "file" part and optional "name" and
// "category" fields. The content is hashed and measured; only metadata is kept.
func (h *documentHandler) upload(w http.ResponseWriter, r *http.Request) {
	a := h.api
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		a.writeError(w, r, fmt.Errorf("%w: multipart/form-data required", errMalformedBody))
		return
	}
	body := http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	reader := multipart.NewReader(body, params["boundary"])

	doc := &domain.Document{OwnerID: subjectFrom(r.Context()).ID}
	var fileName string
	var seenFile bool
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.writeError(w, r, uploadError(err))
			return
		}
		switch part.FormName() {
		case "file":
			seenFile = true
			fileName = filepath.Base(part.FileName())
			doc.ContentType = part.Header.Get("Content-Type")
			hasher := sha256.New()
			n, err := io.Copy(hasher, part)
			if err != nil {
				a.writeError(w, r, uploadError(err))
				return
			}
			doc.Size = n
			doc.Checksum = hex.EncodeToString(hasher.Sum(nil))
		case "name", "category":
			value, err := io.ReadAll(io.LimitReader(part, 1024))
			if err != nil {
				a.writeError(w, r, uploadError(err))
				return
			}
			if part.FormName() == "name" {
				doc.Name = strings.TrimSpace(string(value))
			} else {
				doc.Category = strings.TrimSpace(string(value))
			}
		}
		_ = part.Close()
	}

	if !seenFile {
		verr := &domain.ValidationError{}
		verr.Add("file", "is required")
		a.writeError(w, r, verr)
		return
	}
	if doc.Name == "" && fileName != "." && fileName != "/" {
		doc.Name = fileName
	}
	if doc.ContentType == "" {
		doc.ContentType = "application/octet-stream"
	}
	doc.StorageKey = uuid.NewString()

	if err := a.authorize(r.Context(), domain.KindDocuments, policy.Create, doc); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := doc.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	created, err := h.repo.Create(r.Context(), doc)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, envelope{Data: created})
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errTooLarge
	}
	return fmt.Errorf("%w: %v", errMalformedBody, err)
}

// delete removes the document, unlinks it from every record it was attached to
// and echoes the deleted document.
func (h *documentHandler) delete(w http.ResponseWriter, r *http.Request) {
	a := h.api
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	doc, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r.Context(), domain.KindDocuments, policy.Delete, doc); err != nil {
		a.writeError(w, r, err)
		return
	}
	for _, ref := range doc.AttachedTo {
		target, ok := a.targets[ref.Type]
		if !ok {
			continue
		}
		record, err := target.load(r.Context(), ref.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if record.DetachDocument(doc.ID) {
			if err := target.save(r.Context(), record); err != nil {
				a.writeError(w, r, err)
				return
			}
		}
	}
	if err := h.repo.Delete(r.Context(), doc.ID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, envelope{Data: doc})
}

func (h *documentHandler) attach(w http.ResponseWriter, r *http.Request) {
	h.link(w, r, true)
}

func (h *documentHandler) detach(w http.ResponseWriter, r *http.Request) {
	h.link(w, r, false)
}

// link attaches or detaches a document, updating both sides of the relation.
func (h *documentHandler) link(w http.ResponseWriter, r *http.Request, attach bool) {
	a := h.api
	body, err := readRawBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var ref domain.AttachmentRef
	if err := json.Unmarshal(body, &ref); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: %v", errMalformedBody, err))
		return
	}
	target, verr := h.resolveTarget(ref)
	if verr != nil {
		a.writeError(w, r, verr)
		return
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	doc, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	record, err := target.load(r.Context(), ref.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r.Context(), domain.KindDocuments, policy.Attach, doc); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.authorize(r.Context(), target.kind(), policy.Attach, record); err != nil {
		a.writeError(w, r, err)
		return
	}

	var docChanged, recordChanged bool
	if attach {
		docChanged = doc.Attach(ref)
		recordChanged = record.AttachDocument(doc.ID)
	} else {
		docChanged = doc.Detach(ref)
		recordChanged = record.DetachDocument(doc.ID)
	}
	if recordChanged {
		if err := target.save(r.Context(), record); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	if docChanged {
		if err := h.repo.Save(r.Context(), doc); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	a.writeJSON(w, http.StatusOK, envelope{Data: doc})
}

func (h *documentHandler) resolveTarget(ref domain.AttachmentRef) (attachTarget, error) {
	verr := &domain.ValidationError{}
	if strings.TrimSpace(ref.Type) == "" {
		verr.Add("type", "is required")
	}
	if strings.TrimSpace(ref.ID) == "" {
		verr.Add("id", "is required")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	target, ok := h.api.targets[ref.Type]
	if !ok {
		verr.Add("type", fmt.Sprintf("documents cannot be attached to %q", ref.Type))
		return nil, verr
	}
	return target, nil
}
