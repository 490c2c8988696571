package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/immogest/internal/client"
	"github.com/l0p7/immogest/internal/client/cache"
	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/expr"
	"github.com/l0p7/immogest/internal/metrics"
	"github.com/l0p7/immogest/internal/policy"
	"github.com/l0p7/immogest/internal/server"
	"github.com/l0p7/immogest/internal/store"
)

const (
	adminToken = "admin-token"
	agentToken = "agent-token"
)

// countingTransport counts requests per "METHOD path" and can hold the
// response of one path until released.
type countingTransport struct {
	next Transport

	mu      sync.Mutex
	calls   map[string]int
	holds   map[string]chan struct{}
	arrived chan string
}

func (c *countingTransport) Do(ctx context.Context, req client.Request, out any) error {
	key := req.Method + " " + req.Path
	c.mu.Lock()
	c.calls[key]++
	hold := c.holds[key]
	c.mu.Unlock()

	err := c.next.Do(ctx, req, out)
	if hold != nil {
		c.arrived <- key
		<-hold
	}
	return err
}

func (c *countingTransport) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

// hold delays delivery of the next responses for key until release is called.
func (c *countingTransport) hold(key string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.holds[key] = ch
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.holds, key)
		c.mu.Unlock()
		close(ch)
	}
}

type stack struct {
	api       *API
	cache     *cache.Cache
	transport *countingTransport
	baseURL   string
}

func newStack(t *testing.T, token string) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	registry, err := policy.NewRegistry(env, config.PolicyDocument{}, "")
	require.NoError(t, err)
	srvAPI, err := server.NewAPI(logger, server.APIOptions{
		Backend:  store.NewMemory(),
		Policies: registry,
		Tokens: map[string]config.SubjectConfig{
			adminToken: {ID: "1", Name: "Admin", Roles: []string{domain.RoleAdmin}},
			agentToken: {ID: "2", Name: "Agent", Roles: []string{domain.RoleAgent}},
		},
		Metrics:        metrics.NewRecorder(nil),
		MaxUploadBytes: 1 << 20,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(srvAPI.Handler())
	t.Cleanup(srv.Close)

	return newClientStack(t, srv.URL, token)
}

func newClientStack(t *testing.T, baseURL, token string) *stack {
	t.Helper()
	cl, err := client.New(client.Options{BaseURL: baseURL, Token: token, Timeout: 5 * time.Second})
	require.NoError(t, err)
	transport := &countingTransport{
		next:    cl,
		calls:   map[string]int{},
		holds:   map[string]chan struct{}{},
		arrived: make(chan string, 4),
	}
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	return &stack{
		api:       New(NewDispatcher(transport, c, nil)),
		cache:     c,
		transport: transport,
		baseURL:   baseURL,
	}
}

func (s *stack) status(t *testing.T, endpoint, path string) cache.Status {
	t.Helper()
	key := descriptor{Endpoint: endpoint, Method: http.MethodGet, Path: path}.Key()
	snap, ok := s.cache.Snapshot(key)
	require.True(t, ok, "no entry for %s %s", endpoint, path)
	return snap.Status
}

func TestCreateUserRefreshesList(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)
	users := s.api.Users

	page, err := users.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	_, err = users.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Equal(t, 1, s.transport.count("GET /users"))

	alice, err := users.Create(ctx, map[string]any{"name": "Alice", "email": "alice@example.test", "role": domain.RoleAgent})
	require.NoError(t, err)
	require.NotEmpty(t, alice.ID)
	require.Equal(t, cache.StatusStale, s.status(t, "users.list", "/users"))

	page, err = users.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Equal(t, 2, s.transport.count("GET /users"))
	require.Len(t, page.Items, 1)
	require.Equal(t, "Alice", page.Items[0].Name)
	require.Equal(t, 1, page.Meta.Total)
}

func TestGetAfterCreateReturnsCreatedRecord(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)

	created, err := s.api.Prestataires.Create(ctx, domain.Prestataire{Name: "Plomberie Martin", Trade: "plombier", Siret: "12345678901234"})
	require.NoError(t, err)

	got, err := s.api.Prestataires.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, "Plomberie Martin", got.Name)
	require.Equal(t, "12345678901234", got.Siret)
}

func TestUpdateMarksCachedGetStaleBeforeRead(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)
	prestataires := s.api.Prestataires

	for i := 1; i <= 5; i++ {
		_, err := prestataires.Create(ctx, map[string]any{"name": "Presta", "trade": "serrurier"})
		require.NoError(t, err)
	}
	_, err := prestataires.Get(ctx, "5")
	require.NoError(t, err)
	_, err = prestataires.Get(ctx, "4")
	require.NoError(t, err)
	_, err = s.api.Users.List(ctx, ListParams{})
	require.NoError(t, err)

	updated, err := prestataires.Update(ctx, "5", map[string]any{"phone": "0102030405"})
	require.NoError(t, err)
	require.Equal(t, "0102030405", updated.Phone)

	require.Equal(t, cache.StatusStale, s.status(t, "prestataires.get", "/prestataires/5"))
	require.Equal(t, cache.StatusFresh, s.status(t, "prestataires.get", "/prestataires/4"))
	require.Equal(t, cache.StatusFresh, s.status(t, "users.list", "/users"))

	got, err := prestataires.Get(ctx, "5")
	require.NoError(t, err)
	require.Equal(t, "0102030405", got.Phone)
	require.Equal(t, 2, s.transport.count("GET /prestataires/5"))
}

func TestInFlightGetOvertakenByDelete(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)
	users := s.api.Users
	for _, name := range []string{"Ana", "Bob", "Chloe"} {
		_, err := users.Create(ctx, map[string]any{"name": name, "email": strings.ToLower(name) + "@example.test", "role": domain.RoleAgent})
		require.NoError(t, err)
	}

	release := s.transport.hold("GET /users/3")
	type result struct {
		user domain.User
		err  error
	}
	done := make(chan result, 1)
	go func() {
		user, err := users.Get(ctx, "3")
		done <- result{user, err}
	}()
	select {
	case <-s.transport.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("get did not reach the server")
	}

	require.NoError(t, users.Delete(ctx, "3"))
	release()
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "Chloe", res.user.Name)

	require.NotEqual(t, cache.StatusFresh, s.status(t, "users.get", "/users/3"))
	_, err := users.Get(ctx, "3")
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestFailedWritesInvalidateNothing(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)
	users := s.api.Users

	_, err := users.List(ctx, ListParams{})
	require.NoError(t, err)

	_, err = users.Create(ctx, map[string]any{"name": "", "email": "broken"})
	require.ErrorIs(t, err, client.ErrValidation)
	var cerr *client.Error
	require.True(t, errors.As(err, &cerr))
	require.Contains(t, cerr.Fields, "name")
	require.Contains(t, cerr.Fields, "email")
	require.Equal(t, cache.StatusFresh, s.status(t, "users.list", "/users"))

	_, err = users.Update(ctx, "42", map[string]any{"name": "Ghost"})
	require.ErrorIs(t, err, client.ErrNotFound)
	require.ErrorIs(t, users.Delete(ctx, "42"), client.ErrNotFound)
	require.Equal(t, cache.StatusFresh, s.status(t, "users.list", "/users"))
	require.Equal(t, 1, s.transport.count("GET /users"))
}

func TestAuthorizationErrors(t *testing.T) {
	ctx := context.Background()
	admin := newStack(t, adminToken)
	created, err := admin.api.Users.Create(ctx, map[string]any{"name": "Dana", "email": "dana@example.test", "role": domain.RoleComptable})
	require.NoError(t, err)

	agent := newClientStack(t, admin.baseURL, agentToken)
	require.ErrorIs(t, agent.api.Users.Delete(ctx, created.ID), client.ErrAuthorization)

	anonymous := newClientStack(t, admin.baseURL, "")
	_, err = anonymous.api.Users.List(ctx, ListParams{})
	require.ErrorIs(t, err, client.ErrAuthorization)
	require.Equal(t, client.KindAuthorization, client.KindOf(err))
}

func TestDocumentAttachInvalidatesTarget(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)

	user, err := s.api.Users.Create(ctx, map[string]any{"name": "Eve", "email": "eve@example.test", "role": domain.RoleAgent})
	require.NoError(t, err)
	before, err := s.api.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, before.Documents)

	doc, err := s.api.Documents.Upload(ctx, Upload{Name: "Mandat", Category: "mandat", FileName: "mandat.pdf", ContentType: "application/pdf", Content: strings.NewReader("%PDF-1.7")})
	require.NoError(t, err)
	require.EqualValues(t, len("%PDF-1.7"), doc.Size)
	require.NotEmpty(t, doc.Checksum)

	docs, err := s.api.Documents.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, docs.Items, 1)

	target := domain.AttachmentRef{Type: "users", ID: user.ID}
	attached, err := s.api.Documents.Attach(ctx, doc.ID, target)
	require.NoError(t, err)
	require.Equal(t, []domain.AttachmentRef{target}, attached.AttachedTo)

	require.Equal(t, cache.StatusStale, s.status(t, "users.get", "/users/"+user.ID))
	require.Equal(t, cache.StatusStale, s.status(t, "ged.list", "/ged"))

	after, err := s.api.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, []string{doc.ID}, after.Documents)

	_, err = s.api.Documents.Detach(ctx, doc.ID, target)
	require.NoError(t, err)
	after, err = s.api.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, after.Documents)

	require.NoError(t, s.api.Documents.Delete(ctx, doc.ID))
	docs, err = s.api.Documents.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Empty(t, docs.Items)
}

func TestDocumentDeleteInvalidatesAttachedTargets(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)

	user, err := s.api.Users.Create(ctx, map[string]any{"name": "Ines", "email": "ines@example.test", "role": domain.RoleAgent})
	require.NoError(t, err)
	doc, err := s.api.Documents.Upload(ctx, Upload{Name: "Etat des lieux", Category: "edl", FileName: "edl.pdf", ContentType: "application/pdf", Content: strings.NewReader("%PDF-1.4")})
	require.NoError(t, err)
	_, err = s.api.Documents.Attach(ctx, doc.ID, domain.AttachmentRef{Type: "users", ID: user.ID})
	require.NoError(t, err)

	cached, err := s.api.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, []string{doc.ID}, cached.Documents)
	require.Equal(t, cache.StatusFresh, s.status(t, "users.get", "/users/"+user.ID))

	require.NoError(t, s.api.Documents.Delete(ctx, doc.ID))
	require.Equal(t, cache.StatusStale, s.status(t, "users.get", "/users/"+user.ID))

	after, err := s.api.Users.Get(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, after.Documents)
}

func TestRecordDeleteDetachesDocuments(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)

	user, err := s.api.Users.Create(ctx, map[string]any{"name": "Jules", "email": "jules@example.test", "role": domain.RoleAgent})
	require.NoError(t, err)
	doc, err := s.api.Documents.Upload(ctx, Upload{Name: "Mandat", Category: "mandat", FileName: "mandat.pdf", ContentType: "application/pdf", Content: strings.NewReader("%PDF-1.7")})
	require.NoError(t, err)
	_, err = s.api.Documents.Attach(ctx, doc.ID, domain.AttachmentRef{Type: "users", ID: user.ID})
	require.NoError(t, err)

	docs, err := s.api.Documents.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, docs.Items, 1)
	require.Len(t, docs.Items[0].AttachedTo, 1)

	require.NoError(t, s.api.Users.Delete(ctx, user.ID))
	require.Equal(t, cache.StatusStale, s.status(t, "ged.list", "/ged"))

	docs, err = s.api.Documents.List(ctx, ListParams{})
	require.NoError(t, err)
	require.Len(t, docs.Items, 1)
	require.Empty(t, docs.Items[0].AttachedTo)
}

func TestWatchListFollowsWrites(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)

	sub, err := s.api.ApprochesLocataires.WatchList(ListParams{})
	require.NoError(t, err)
	defer sub.Close()

	waitForItems := func(n int) Page[domain.ApprocheLocataire] {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case snap := <-sub.Updates():
				if snap.Status != cache.StatusFresh {
					continue
				}
				page, ok := Payload[Page[domain.ApprocheLocataire]](snap)
				if ok && len(page.Items) == n {
					return page
				}
			case <-deadline:
				t.Fatalf("no fresh page with %d items", n)
			}
		}
	}
	waitForItems(0)

	_, err = s.api.ApprochesLocataires.Create(ctx, map[string]any{"tenantName": "Farid", "status": domain.ApproachProspect, "budget": 900})
	require.NoError(t, err)
	page := waitForItems(1)
	require.Equal(t, "Farid", page.Items[0].TenantName)
}

func TestSupplementaryResources(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, adminToken)

	remise, err := s.api.RemisesCles.Create(ctx, map[string]any{
		"propertyRef": "LOT-12",
		"recipient":   "M. Durand",
		"direction":   domain.HandoverEntry,
		"keyCount":    2,
		"handedAt":    "2024-05-01T09:00:00Z",
	})
	require.NoError(t, err)
	got, err := s.api.RemisesCles.Get(ctx, remise.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.KeyCount)

	approche, err := s.api.ApprochesProprietaires.Create(ctx, map[string]any{
		"ownerName":       "Mme Leroy",
		"propertyAddress": "3 rue des Lilas",
		"status":          domain.ApproachContacted,
	})
	require.NoError(t, err)
	updated, err := s.api.ApprochesProprietaires.Update(ctx, approche.ID, map[string]any{"status": domain.ApproachSigned})
	require.NoError(t, err)
	require.Equal(t, domain.ApproachSigned, updated.Status)
	require.Equal(t, "Mme Leroy", updated.OwnerName)

	page, err := s.api.ApprochesProprietaires.List(ctx, ListParams{Query: "leroy"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}
