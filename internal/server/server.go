// Package server is the HTTP front end: it parses requests, selects a
// tenant by Host header and hands the request to the dispatcher. It
// also serves the stats document and accepts live updates.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kvmbox/kvmbox/internal/sandbox"
)

// maxUpdateSize bounds a live-update upload.
const maxUpdateSize = 512 << 20

// ErrNoTenant is reported by a Backend when the Host maps to nothing.
var ErrNoTenant = errors.New("no such tenant")

// ErrUpdateDenied is reported when a live update fails authentication.
var ErrUpdateDenied = errors.New("live update denied")

// Backend is what the front end needs from the sandbox engine.
type Backend interface {
	// Dispatch serves one request on the named tenant.
	Dispatch(name string, req *sandbox.Request) (*sandbox.Response, error)

	// LiveUpdate replaces the named tenant's program, authenticated by
	// its configured key.
	LiveUpdate(name, key string, binary []byte) (sandbox.LiveUpdateResult, error)

	// Stats renders the stats JSON document.
	Stats() ([]byte, error)
}

// TenantsBackend adapts the tenant registry to the Backend interface.
type TenantsBackend struct {
	Tenants *sandbox.Tenants
}

func (b *TenantsBackend) Dispatch(name string, req *sandbox.Request) (*sandbox.Response, error) {
	ti := b.Tenants.Find(name)
	if ti == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTenant, name)
	}
	return sandbox.Dispatch(ti, req)
}

func (b *TenantsBackend) LiveUpdate(name, key string, binary []byte) (sandbox.LiveUpdateResult, error) {
	ti := b.Tenants.FindKey(name, key)
	if ti == nil {
		return sandbox.LiveUpdateResult{}, ErrUpdateDenied
	}
	return ti.LiveUpdate(&sandbox.LiveUpdateParams{Binary: binary}), nil
}

func (b *TenantsBackend) Stats() ([]byte, error) {
	return b.Tenants.GatherStats()
}

// Server dispatches HTTP traffic to tenant VMs.
type Server struct {
	backend Backend
	// bindHost is the address:port requests arrive on; a Host header
	// equal to it selects the default tenant.
	bindHost      string
	defaultTenant string
	logger        *slog.Logger
}

// New builds the front end.
func New(backend Backend, bindHost, defaultTenant string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend:       backend,
		bindHost:      bindHost,
		defaultTenant: defaultTenant,
		logger:        logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/drogon":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "Hello World!")
		return
	case "/stats":
		s.serveStats(w)
		return
	case "/update":
		if r.Method == http.MethodPost {
			s.serveUpdate(w, r)
			return
		}
	}
	s.dispatch(w, r)
}

func (s *Server) serveStats(w http.ResponseWriter) {
	data, err := s.backend.Stats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// serveUpdate performs a live update of the tenant selected by Host,
// authenticated by the tenant's configured key.
func (s *Server) serveUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.backend.LiveUpdate(
		s.tenantName(r), r.Header.Get("X-LiveUpdate-Key"), body)
	if err != nil {
		http.Error(w, "Live update denied", http.StatusForbidden)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, res.Message)
}

func (s *Server) tenantName(r *http.Request) string {
	host := r.Host
	if host == "" || host == s.bindHost {
		return s.defaultTenant
	}
	return host
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	req := &sandbox.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		ContentType: r.Header.Get("Content-Type"),
		Headers:     headers,
		Body:        body,
	}

	name := s.tenantName(r)
	resp, err := s.backend.Dispatch(name, req)
	if err != nil {
		if errors.Is(err, ErrNoTenant) {
			http.Error(w, "No such tenant: "+name, http.StatusInternalServerError)
			return
		}
		// Every dispatch failure surfaces as a plain 500; details stay
		// in the log.
		s.logger.Error("dispatch failed", "tenant", name, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(resp.Body)))
	w.WriteHeader(int(resp.Status))
	_, _ = w.Write(resp.Body)
}
