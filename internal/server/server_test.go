package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kvmbox/kvmbox/internal/sandbox"
)

// fakeBackend scripts tenant responses without any VM underneath.
type fakeBackend struct {
	bodies  map[string]string
	keys    map[string]string
	lastReq *sandbox.Request
	updated map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bodies:  map[string]string{"test.com": "Hello World", "other.com": "other!"},
		keys:    map[string]string{"test.com": "sesame"},
		updated: map[string][]byte{},
	}
}

func (b *fakeBackend) Dispatch(name string, req *sandbox.Request) (*sandbox.Response, error) {
	body, ok := b.bodies[name]
	if !ok {
		return nil, ErrNoTenant
	}
	b.lastReq = req
	return &sandbox.Response{Status: 200, ContentType: "text/plain", Body: []byte(body)}, nil
}

func (b *fakeBackend) LiveUpdate(name, key string, binary []byte) (sandbox.LiveUpdateResult, error) {
	want, ok := b.keys[name]
	if !ok || key != want {
		return sandbox.LiveUpdateResult{}, ErrUpdateDenied
	}
	if len(binary) == 0 {
		return sandbox.LiveUpdateResult{Message: "Empty file received"}, nil
	}
	b.updated[name] = binary
	return sandbox.LiveUpdateResult{Message: "Update successful (stored)\n", Success: true}, nil
}

func (b *fakeBackend) Stats() ([]byte, error) {
	return []byte(`{"test.com":{}}`), nil
}

func newTestServer() (*Server, *fakeBackend) {
	backend := newFakeBackend()
	return New(backend, "127.0.0.1:8080", "test.com", nil), backend
}

func TestDrogonRoute(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://any/drogon", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello World!", rec.Body.String())
}

func TestStatsRoute(t *testing.T) {
	srv, _ := newTestServer()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://any/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "test.com")
}

func TestHostDispatch(t *testing.T) {
	srv, backend := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "http://ignored/hello?x=1", nil)
	req.Host = "other.com"
	req.Header.Set("Accept", "*/*")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other!", rec.Body.String())

	// The dispatcher saw the parsed request fields.
	assert.Equal(t, "GET", backend.lastReq.Method)
	assert.Equal(t, "/hello", backend.lastReq.Path)
	assert.Equal(t, "x=1", backend.lastReq.Query)
	assert.Equal(t, "*/*", backend.lastReq.Headers["Accept"])
}

func TestDefaultTenantFallback(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "http://ignored/hello", nil)
	req.Host = "127.0.0.1:8080"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello World", rec.Body.String())
}

func TestUnknownTenant(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "http://ignored/", nil)
	req.Host = "nobody.example"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "No such tenant")
}

func TestPostBodyForwarded(t *testing.T) {
	srv, backend := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "http://ignored/echo",
		strings.NewReader("ping"))
	req.Host = "test.com"
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ping", string(backend.lastReq.Body))
	assert.Equal(t, "text/plain", backend.lastReq.ContentType)
}

func TestLiveUpdateEndpoint(t *testing.T) {
	srv, backend := newTestServer()

	// Wrong key is denied.
	req := httptest.NewRequest(http.MethodPost, "http://ignored/update",
		strings.NewReader("image"))
	req.Host = "test.com"
	req.Header.Set("X-LiveUpdate-Key", "wrong")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, backend.updated)

	// Tenants without a key never accept updates.
	req = httptest.NewRequest(http.MethodPost, "http://ignored/update",
		strings.NewReader("image"))
	req.Host = "other.com"
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The right key lands the new image.
	req = httptest.NewRequest(http.MethodPost, "http://ignored/update",
		strings.NewReader("image"))
	req.Host = "test.com"
	req.Header.Set("X-LiveUpdate-Key", "sesame")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image", string(backend.updated["test.com"]))

	// A failed update reports 503 with the updater's message.
	req = httptest.NewRequest(http.MethodPost, "http://ignored/update", nil)
	req.Host = "test.com"
	req.Header.Set("X-LiveUpdate-Key", "sesame")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Empty file")
}
