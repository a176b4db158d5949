package handler

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pkgfoundry/depot/internal/auth"
	"github.com/pkgfoundry/depot/internal/blob"
	"github.com/pkgfoundry/depot/internal/cluster"
	"github.com/pkgfoundry/depot/internal/config"
	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/registry"
	"github.com/pkgfoundry/depot/internal/store"
	"github.com/pkgfoundry/depot/internal/upstream"
	"github.com/pkgfoundry/depot/pkg/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	*httptest.Server
	engine *registry.Engine
	store  store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()

	st, err := store.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewFSStorage(t.TempDir())
	require.NoError(t, err)

	engine := registry.NewEngine(st, blobs, upstream.NewClient(logger), logger)
	require.NoError(t, engine.EnsureAnonymousUser(context.Background()))

	cm, err := cluster.NewManager(st, cluster.Config{NodeName: "test0"}, logger)
	require.NoError(t, err)
	require.NoError(t, cm.Converge(context.Background()))

	cfg := config.Default()
	cfg.RateLimit = config.RateLimit{RPS: 1000, Burst: 1000}

	api := NewAPI(cfg, logger, engine, auth.NewGate(st, logger), st, cm)
	t.Cleanup(func() { api.Close() })

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, engine: engine, store: st}
}

// signup registers a user and mints a key through the public API, the way
// a fresh deployment bootstraps credentials.
func (ts *testServer) signup(t *testing.T, username string, permissions ...string) string {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"email":"%s@example.com","password":"password1"}`, username, username)
	resp := ts.do(t, "POST", "/users", "", []byte(body))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	keyBody, err := json.Marshal(map[string]any{"name": "default", "permissions": permissions})
	require.NoError(t, err)
	req, err := http.NewRequest("POST", ts.URL+"/keys", bytes.NewReader(keyBody))
	require.NoError(t, err)
	req.SetBasicAuth(username, "password1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.Secret)
	return created.Secret
}

func (ts *testServer) do(t *testing.T, method, path, key string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func buildArchive(t *testing.T, name, version string) []byte {
	t.Helper()
	var inner bytes.Buffer
	gz := gzip.NewWriter(&inner)
	tw := tar.NewWriter(gz)
	body := "defmodule " + name
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "lib/" + name + ".ex", Mode: 0644, Size: int64(len(body))}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	raw, err := archive.Encode(map[string]any{
		"name":    name,
		"version": version,
		"app":     name,
	}, inner.Bytes())
	require.NoError(t, err)
	return raw
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/healthz", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishRequiresCredentials(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "POST", "/publish", "", buildArchive(t, "demo", "1.0.0"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishAndFetch(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)
	raw := buildArchive(t, "demo", "1.0.0")

	resp := ts.do(t, "POST", "/publish", key, raw)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var rel model.Release
	decodeBody(t, resp, &rel)
	assert.Equal(t, "1.0.0", rel.Version)

	resp = ts.do(t, "GET", "/packages/demo", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pkg model.Package
	decodeBody(t, resp, &pkg)
	assert.Equal(t, "demo", pkg.Name)
	assert.Equal(t, model.SourceLocal, pkg.Source)
	require.Len(t, pkg.Releases, 1)

	resp = ts.do(t, "GET", "/packages/demo/releases/1.0.0", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Download returns exactly the published bytes.
	resp = ts.do(t, "GET", "/packages/demo/releases/1.0.0/download", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, raw, buf.Bytes())
}

func TestPublishDuplicateConflict(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)
	raw := buildArchive(t, "demo", "1.0.0")

	resp := ts.do(t, "POST", "/publish", key, raw)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/publish", key, raw)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPublishGarbageUnprocessable(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)

	resp := ts.do(t, "POST", "/publish", key, []byte("junk"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPublishReadOnlyKeyForbidden(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead)

	resp := ts.do(t, "POST", "/publish", key, buildArchive(t, "demo", "1.0.0"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAnonymousPublishToggle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "PUT", "/admin/config/publish", "", []byte(`{"anonymous_enabled":true}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/publish", "", buildArchive(t, "demo", "1.0.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Anonymous publishes leave the package ownerless.
	resp = ts.do(t, "GET", "/packages/demo/owners", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var owners []*model.Owner
	decodeBody(t, resp, &owners)
	assert.Empty(t, owners)

	// Flipping the flag back takes effect on the next request.
	resp = ts.do(t, "PUT", "/admin/config/publish", "", []byte(`{"anonymous_enabled":false}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/publish", "", buildArchive(t, "other", "1.0.0"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRetireFlow(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)

	resp := ts.do(t, "POST", "/publish", key, buildArchive(t, "demo", "1.0.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/packages/demo/releases/1.0.0/retire", key,
		[]byte(`{"reason":"security","message":"CVE-2026-0001"}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/packages/demo/releases/1.0.0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rel model.Release
	decodeBody(t, resp, &rel)
	require.NotNil(t, rel.Retirement)
	assert.Equal(t, "security", rel.Retirement.Reason)

	resp = ts.do(t, "DELETE", "/packages/demo/releases/1.0.0/retire", key, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/packages/demo/releases/1.0.0", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rel = model.Release{}
	decodeBody(t, resp, &rel)
	assert.Nil(t, rel.Retirement)
}

func TestRetireByNonOwnerForbidden(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signup(t, "alice", model.PermRead, model.PermWrite)
	bob := ts.signup(t, "bob", model.PermRead, model.PermWrite)

	resp := ts.do(t, "POST", "/publish", alice, buildArchive(t, "demo", "1.0.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/packages/demo/releases/1.0.0/retire", bob,
		[]byte(`{"reason":"invalid"}`))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOwnerEndpoints(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signup(t, "alice", model.PermRead, model.PermWrite)
	ts.signup(t, "bob", model.PermRead)

	resp := ts.do(t, "POST", "/publish", alice, buildArchive(t, "demo", "1.0.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "PUT", "/packages/demo/owners/bob@example.com", alice,
		[]byte(`{"level":"maintainer"}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/packages/demo/owners", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var owners []*model.Owner
	decodeBody(t, resp, &owners)
	assert.Len(t, owners, 2)

	resp = ts.do(t, "DELETE", "/packages/demo/owners/bob@example.com", alice, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/packages/demo/owners", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	owners = nil
	decodeBody(t, resp, &owners)
	assert.Len(t, owners, 1)
}

func TestKeyLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)

	resp := ts.do(t, "GET", "/keys", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var keys []*model.APIKey
	decodeBody(t, resp, &keys)
	require.Len(t, keys, 1)
	assert.Equal(t, "default", keys[0].Name)

	resp = ts.do(t, "DELETE", "/keys/default", key, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// The revoked key no longer authenticates anything.
	resp = ts.do(t, "GET", "/keys", key, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownPackage404(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/packages/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/packages/nonexistent/releases/1.0.0", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListPackagesSearch(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)

	for _, name := range []string{"alpha", "alpine", "beta"} {
		resp := ts.do(t, "POST", "/publish", key, buildArchive(t, name, "1.0.0"))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := ts.do(t, "GET", "/packages?search=alp", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pkgs []*model.Package
	decodeBody(t, resp, &pkgs)
	assert.Len(t, pkgs, 2)

	resp = ts.do(t, "GET", "/packages?search=zzz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pkgs = nil
	decodeBody(t, resp, &pkgs)
	assert.NotNil(t, pkgs)
	assert.Empty(t, pkgs)
}

func TestAdminUpstreamConfig(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/admin/config/upstream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg model.UpstreamConfig
	decodeBody(t, resp, &cfg)
	assert.False(t, cfg.Enabled)

	resp = ts.do(t, "PUT", "/admin/config/upstream", "",
		[]byte(`{"enabled":true,"api_url":"https://hex.pm/api","repo_url":"https://repo.hex.pm","retry_attempts":2}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/admin/config/upstream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg = model.UpstreamConfig{}
	decodeBody(t, resp, &cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "https://hex.pm/api", cfg.APIURL)
	assert.Equal(t, 2, cfg.RetryAttempts)
}

func TestAdminClusterStatus(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/admin/cluster", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status cluster.Status
	decodeBody(t, resp, &status)
	assert.Equal(t, "test0", status.Node)
	assert.Equal(t, []string{"test0"}, status.Members)
}

func TestAdminEvict(t *testing.T) {
	ts := newTestServer(t)
	key := ts.signup(t, "alice", model.PermRead, model.PermWrite)

	resp := ts.do(t, "POST", "/admin/packages/nonexistent/evict", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Locally published packages are never evictable.
	resp = ts.do(t, "POST", "/publish", key, buildArchive(t, "demo", "1.0.0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/admin/packages/demo/evict", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateUserValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/users", "", []byte(`{"username":"anonymous","email":"a@e.com","password":"password1"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/users", "", []byte(`{"username":"alice","email":"bad","password":"password1"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "POST", "/users", "", []byte(`{"username":"alice","email":"a@e.com","password":"short"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}
