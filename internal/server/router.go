package server

import (
	"net/http"
	"strings"

	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/store"
)

// Handler builds the routing table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	users := store.NewRepository[domain.User](a.backend, domain.KindUsers.Name, a.now)
	prestataires := store.NewRepository[domain.Prestataire](a.backend, domain.KindPrestataires.Name, a.now)
	remises := store.NewRepository[domain.RemiseCle](a.backend, domain.KindRemisesCles.Name, a.now)
	proprietaires := store.NewRepository[domain.ApprocheProprietaire](a.backend, domain.KindApprochesProprietaires.Name, a.now)
	locataires := store.NewRepository[domain.ApprocheLocataire](a.backend, domain.KindApprochesLocataires.Name, a.now)
	documents := store.NewRepository[domain.Document](a.backend, domain.KindDocuments.Name, a.now)
	a.documents = documents

	mountResource(a, mux, domain.KindUsers, users)
	mountResource(a, mux, domain.KindPrestataires, prestataires)
	mountResource(a, mux, domain.KindRemisesCles, remises)
	mountResource(a, mux, domain.KindApprochesProprietaires, proprietaires)
	mountResource(a, mux, domain.KindApprochesLocataires, locataires)

	registerTarget(a, domain.KindUsers, users)
	registerTarget(a, domain.KindPrestataires, prestataires)
	registerTarget(a, domain.KindRemisesCles, remises)
	registerTarget(a, domain.KindApprochesProprietaires, proprietaires)
	registerTarget(a, domain.KindApprochesLocataires, locataires)

	a.mountDocuments(mux, documents)

	mux.HandleFunc("GET /healthz", a.serveHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())

	return a.instrument(a.authenticate(mux))
}

func resourceLabel(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "root"
	}
	first, _, _ := strings.Cut(trimmed, "/")
	if _, err := domain.KindByName(first); err == nil || first == "healthz" || first == "metrics" {
		return first
	}
	return "other"
}
