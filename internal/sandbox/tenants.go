package sandbox

import (
	"log/slog"
	"sync"

	"github.com/kvmbox/kvmbox/internal/tenant"
)

// Tenants is the registry of tenant instances, keyed by name (the
// request Host header).
type Tenants struct {
	mu      sync.RWMutex
	byName  map[string]*TenantInstance
	runtime *Runtime
}

// NewTenants builds an empty registry around the shared runtime.
func NewTenants(rt *Runtime) *Tenants {
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	return &Tenants{byName: make(map[string]*TenantInstance), runtime: rt}
}

// Load registers every tenant from a parsed configuration. Tenants
// configured to start are initialized now; init failures are logged
// and recoverable via live update.
func (ts *Tenants) Load(res *tenant.ParseResult, initialize bool) {
	for _, cfg := range res.Tenants {
		ti := ts.Add(cfg)
		if ti == nil {
			continue
		}
		start := initialize
		if cfg.Start != nil {
			start = *cfg.Start
		}
		if start {
			ti.BeginInitialize()
		}
	}
}

// Add registers one tenant. Duplicate names are rejected.
func (ts *Tenants) Add(cfg *tenant.Config) *TenantInstance {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.byName[cfg.Name]; exists {
		ts.runtime.Logger.Error("tenant already exists, cannot create again",
			"tenant", cfg.Name)
		return nil
	}
	ti := NewTenantInstance(cfg, ts.runtime)
	ts.byName[cfg.Name] = ti
	return ti
}

// Find looks a tenant up by name.
func (ts *Tenants) Find(name string) *TenantInstance {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.byName[name]
}

// FindKey looks a tenant up and verifies its live-update key.
func (ts *Tenants) FindKey(name, key string) *TenantInstance {
	ti := ts.Find(name)
	if ti == nil || ti.Config.Key == "" || ti.Config.Key != key {
		return nil
	}
	return ti
}

// Foreach visits every tenant.
func (ts *Tenants) Foreach(fn func(*TenantInstance)) {
	ts.mu.RLock()
	instances := make([]*TenantInstance, 0, len(ts.byName))
	for _, ti := range ts.byName {
		instances = append(instances, ti)
	}
	ts.mu.RUnlock()
	for _, ti := range instances {
		fn(ti)
	}
}

// WaitForAll blocks until every initializing tenant settles. Failures
// are logged; they do not bring the registry down.
func (ts *Tenants) WaitForAll() {
	ts.Foreach(func(ti *TenantInstance) {
		if ti.Program() == nil {
			return
		}
		if _, err := ti.WaitForInitialization(); err != nil {
			ts.runtime.Logger.Error("tenant failed initialization",
				"tenant", ti.Config.Name, "error", err)
		}
	})
}

// Close tears everything down.
func (ts *Tenants) Close() error {
	var err error
	ts.Foreach(func(ti *TenantInstance) {
		err = firstErr(err, ti.Close())
	})
	return err
}
