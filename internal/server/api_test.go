package server

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/expr"
	"github.com/l0p7/immogest/internal/metrics"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/store"
)

const (
	adminToken      = "admin-token"
	agentToken      = "agent-token"
	accountantToken = "accountant-token"
)

func newTestAPI(t *testing.T, maxUpload int64) (*API, *httpexpect.Expect) {
	t.Helper()
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	registry, err := policy.NewRegistry(env, config.PolicyDocument{}, "")
	require.NoError(t, err)

	api, err := NewAPI(newTestLogger(), APIOptions{
		Backend:  store.NewMemory(),
		Policies: registry,
		Tokens: map[string]config.SubjectConfig{
			adminToken:      {ID: "1", Name: "Admin", Roles: []string{"admin"}},
			agentToken:      {ID: "2", Name: "Agent", Roles: []string{"agent"}},
			accountantToken: {ID: "3", Name: "Compta", Roles: []string{"comptable"}},
		},
		Metrics:           metrics.NewRecorder(nil),
		CorrelationHeader: "X-Request-ID",
		MaxUploadBytes:    maxUpload,
		Now:               func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})
	return api, expect
}

func bearer(token string) string { return "Bearer " + token }

func TestNewAPIRequiresCollaborators(t *testing.T) {
	_, err := NewAPI(nil, APIOptions{})
	require.Error(t, err)
	_, err = NewAPI(nil, APIOptions{Backend: store.NewMemory()})
	require.Error(t, err)
}

func TestResourceCRUD(t *testing.T) {
	_, e := newTestAPI(t, 0)

	created := e.POST("/users").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"id": "999", "name": "Alice", "email": "alice@example.test", "role": "agent"}).
		Expect().
		Status(http.StatusCreated).
		JSON().Object().Value("data").Object()
	created.Value("id").String().IsEqual("1")
	created.Value("name").String().IsEqual("Alice")
	created.Value("createdAt").String().IsEqual("2024-05-01T08:00:00Z")

	e.GET("/users/1").
		WithHeader("Authorization", bearer(agentToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("email").String().IsEqual("alice@example.test")

	e.PUT("/users/1").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"name": "Alice Martin"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().
		ContainsSubset(map[string]any{"id": "1", "name": "Alice Martin", "role": "agent"})

	list := e.GET("/users").
		WithHeader("Authorization", bearer(adminToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	list.Value("data").Array().Length().IsEqual(1)
	list.Value("meta").Object().ContainsSubset(map[string]any{"page": 1, "perPage": 15, "total": 1, "lastPage": 1})

	e.DELETE("/users/1").
		WithHeader("Authorization", bearer(adminToken)).
		Expect().
		Status(http.StatusNoContent).
		NoContent()

	e.GET("/users/1").
		WithHeader("Authorization", bearer(adminToken)).
		Expect().
		Status(http.StatusNotFound).
		JSON().Object().ContainsKey("error")
}

func TestListPaginationAndFilter(t *testing.T) {
	_, e := newTestAPI(t, 0)
	for _, name := range []string{"Plomberie Martin", "Serrurerie Dupont", "Plomberie Leroy"} {
		e.POST("/prestataires").
			WithHeader("Authorization", bearer(agentToken)).
			WithJSON(map[string]any{"name": name, "trade": "artisan"}).
			Expect().
			Status(http.StatusCreated)
	}

	page := e.GET("/prestataires").
		WithHeader("Authorization", bearer(agentToken)).
		WithQuery("perPage", 2).
		WithQuery("page", 2).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	page.Value("data").Array().Length().IsEqual(1)
	page.Value("meta").Object().ContainsSubset(map[string]any{"page": 2, "perPage": 2, "total": 3, "lastPage": 2})

	filtered := e.GET("/prestataires").
		WithHeader("Authorization", bearer(agentToken)).
		WithQuery("q", "plomberie").
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	filtered.Value("data").Array().Length().IsEqual(2)
	filtered.Value("meta").Object().Value("total").Number().IsEqual(2)
}

func TestErrorResponses(t *testing.T) {
	_, e := newTestAPI(t, 0)

	e.GET("/users").
		Expect().
		Status(http.StatusUnauthorized).
		JSON().Object().ContainsKey("error")

	e.GET("/users").
		WithHeader("Authorization", bearer("unknown")).
		Expect().
		Status(http.StatusUnauthorized)

	e.POST("/users").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"name": "Eve", "email": "eve@example.test", "role": "agent"}).
		Expect().
		Status(http.StatusForbidden).
		JSON().Object().Value("error").String().NotEmpty()

	invalid := e.POST("/users").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"name": "", "email": "nope", "role": "agent"}).
		Expect().
		Status(http.StatusUnprocessableEntity).
		JSON().Object()
	invalid.Value("message").String().NotEmpty()
	invalid.Value("errors").Object().ContainsKey("name").ContainsKey("email")

	e.POST("/users").
		WithHeader("Authorization", bearer(adminToken)).
		WithText("not json").
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().ContainsKey("message")

	e.PUT("/users/42").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"name": "x"}).
		Expect().
		Status(http.StatusNotFound)
}

func TestOwnershipConditions(t *testing.T) {
	_, e := newTestAPI(t, 0)
	e.POST("/approches-locataires").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"tenantName": "M. Leroy", "status": "prospect", "assignedTo": "5"}).
		Expect().
		Status(http.StatusCreated)

	e.PUT("/approches-locataires/1").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"status": "visite"}).
		Expect().
		Status(http.StatusForbidden)

	e.PUT("/approches-locataires/1").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"assignedTo": "2"}).
		Expect().
		Status(http.StatusOK)

	e.PUT("/approches-locataires/1").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"status": "visite"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("status").String().IsEqual("visite")
}

func TestDocumentLifecycle(t *testing.T) {
	_, e := newTestAPI(t, 0)

	e.POST("/remises-cles").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{
			"propertyRef": "B-12",
			"recipient":   "M. Durand",
			"direction":   "entree",
			"keyCount":    2,
			"handedAt":    "2024-05-01T10:00:00Z",
		}).
		Expect().
		Status(http.StatusCreated)

	doc := e.POST("/ged").
		WithHeader("Authorization", bearer(agentToken)).
		WithMultipart().
		WithFile("file", "etat-des-lieux.pdf", strings.NewReader("%PDF-1.4 test")).
		WithFormField("category", "etat-des-lieux").
		Expect().
		Status(http.StatusCreated).
		JSON().Object().Value("data").Object()
	doc.Value("id").String().IsEqual("1")
	doc.Value("name").String().IsEqual("etat-des-lieux.pdf")
	doc.Value("ownerId").String().IsEqual("2")
	doc.Value("size").Number().IsEqual(len("%PDF-1.4 test"))
	doc.Value("checksum").String().Length().IsEqual(64)
	doc.Value("storageKey").String().NotEmpty()

	e.POST("/ged/1/attach").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"type": "remises-cles", "id": "1"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("attachedTo").Array().Length().IsEqual(1)

	e.GET("/remises-cles/1").
		WithHeader("Authorization", bearer(agentToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().Value("documents").Array().ContainsOnly("1")

	e.POST("/ged/1/attach").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"type": "ged", "id": "1"}).
		Expect().
		Status(http.StatusUnprocessableEntity).
		JSON().Object().Value("errors").Object().ContainsKey("type")

	e.POST("/ged/1/detach").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"type": "remises-cles", "id": "1"}).
		Expect().
		Status(http.StatusOK)

	e.GET("/remises-cles/1").
		WithHeader("Authorization", bearer(agentToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().NotContainsKey("documents")

	e.POST("/ged/1/attach").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"type": "remises-cles", "id": "1"}).
		Expect().
		Status(http.StatusOK)

	deleted := e.DELETE("/ged/1").
		WithHeader("Authorization", bearer(agentToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object()
	deleted.Value("id").String().IsEqual("1")
	deleted.Value("attachedTo").Array().ContainsOnly(map[string]any{"type": "remises-cles", "id": "1"})

	e.GET("/remises-cles/1").
		WithHeader("Authorization", bearer(agentToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Object().NotContainsKey("documents")
}

func TestRecordDeleteDetachesDocuments(t *testing.T) {
	_, e := newTestAPI(t, 0)

	e.POST("/users").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"name": "Alice", "email": "alice@example.test", "role": "agent"}).
		Expect().
		Status(http.StatusCreated)
	e.POST("/ged").
		WithHeader("Authorization", bearer(adminToken)).
		WithMultipart().
		WithFile("file", "mandat.pdf", strings.NewReader("%PDF-1.7")).
		WithFormField("category", "mandat").
		Expect().
		Status(http.StatusCreated)
	e.POST("/ged/1/attach").
		WithHeader("Authorization", bearer(adminToken)).
		WithJSON(map[string]any{"type": "users", "id": "1"}).
		Expect().
		Status(http.StatusOK)

	e.DELETE("/users/1").
		WithHeader("Authorization", bearer(adminToken)).
		Expect().
		Status(http.StatusNoContent)

	docs := e.GET("/ged").
		WithHeader("Authorization", bearer(adminToken)).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("data").Array()
	docs.Length().IsEqual(1)
	docs.Value(0).Object().NotContainsKey("attachedTo")
}

func TestDocumentUploadValidation(t *testing.T) {
	_, e := newTestAPI(t, 0)

	e.POST("/ged").
		WithHeader("Authorization", bearer(agentToken)).
		WithMultipart().
		WithFormField("name", "orphan").
		Expect().
		Status(http.StatusUnprocessableEntity).
		JSON().Object().Value("errors").Object().ContainsKey("file")

	e.POST("/ged").
		WithHeader("Authorization", bearer(agentToken)).
		WithJSON(map[string]any{"name": "x"}).
		Expect().
		Status(http.StatusBadRequest)
}

func TestDocumentUploadSizeLimit(t *testing.T) {
	_, e := newTestAPI(t, 1024)

	e.POST("/ged").
		WithHeader("Authorization", bearer(agentToken)).
		WithMultipart().
		WithFile("file", "big.bin", strings.NewReader(strings.Repeat("x", 4096))).
		Expect().
		Status(http.StatusRequestEntityTooLarge)
}

func TestOperationalRoutes(t *testing.T) {
	api, e := newTestAPI(t, 0)

	e.POST("/users").
		WithHeader("Authorization", bearer(adminToken)).
		WithHeader("X-Request-ID", "req-123").
		WithJSON(map[string]any{"name": "Alice", "email": "alice@example.test", "role": "agent"}).
		Expect().
		Status(http.StatusCreated).
		Header("X-Request-ID").IsEqual("req-123")

	health := e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	health.Value("status").String().IsEqual("ok")
	health.Value("records").Number().IsEqual(1)
	health.Value("policySource").String().IsEqual(api.Policies().Source())

	e.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Contains("immogest_http_requests_total")

	e.GET("/users").
		WithHeader("Authorization", bearer(adminToken)).
		Expect().
		Header("X-Request-ID").NotEmpty()
}

func TestPaginateBounds(t *testing.T) {
	records := []int{1, 2, 3}
	req := httptest.NewRequest(http.MethodGet, "/users?page=9&perPage=500", nil)
	page, meta := paginate(records, req)
	require.Empty(t, page)
	require.Equal(t, maxPerPage, meta.PerPage)
	require.Equal(t, 1, meta.LastPage)

	req = httptest.NewRequest(http.MethodGet, "/users?page=9223372036854775807&perPage=100", nil)
	require.NotPanics(t, func() { page, meta = paginate(records, req) })
	require.Empty(t, page)
	require.Equal(t, math.MaxInt, meta.Page)
	require.Equal(t, 3, meta.Total)

	req = httptest.NewRequest(http.MethodGet, "/users?page=2&perPage=2", nil)
	page, _ = paginate(records, req)
	require.Equal(t, []int{3}, page)

	req = httptest.NewRequest(http.MethodGet, "/users?page=-1&perPage=abc", nil)
	page, meta = paginate(records, req)
	require.Equal(t, []int{1, 2, 3}, page)
	require.Equal(t, 1, meta.Page)
	require.Equal(t, defaultPerPage, meta.PerPage)
}

func TestResourceLabel(t *testing.T) {
	require.Equal(t, "users", resourceLabel("/users/3"))
	require.Equal(t, "ged", resourceLabel("/ged/3/attach"))
	require.Equal(t, "healthz", resourceLabel("/healthz"))
	require.Equal(t, "other", resourceLabel("/wp-admin"))
	require.Equal(t, "root", resourceLabel("/"))
}
