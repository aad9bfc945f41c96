// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package contracts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok/passgate/pkg/logger"
)

// Sentinel errors returned by the registry.
var (
	ErrTenantNotFound  = errors.New("tenant contract not found")
	ErrClientNotFound  = errors.New("client contract not found")
	ErrInvalidContract = errors.New("invalid contract")
	ErrStaleVersion    = errors.New("contract version not newer than current")
)

// Contract file suffixes inside a contracts directory.
const (
	tenantFileSuffix = ".tenant.json"
	clientFileSuffix = ".client.json"
)

// reloadDebounce coalesces bursts of fsnotify events into one reload.
const reloadDebounce = 250 * time.Millisecond

// snapshot is one immutable view of every loaded contract.
type snapshot struct {
	tenants map[string]*TenantContract
	clients map[string]*ClientContract
}

func emptySnapshot() *snapshot {
	return &snapshot{
		tenants: map[string]*TenantContract{},
		clients: map[string]*ClientContract{},
	}
}

// Registry holds the live contract set. Reads are lock-free against an
// atomically swapped snapshot; writers (directory loads, admin upserts)
// serialize on a mutex and never mutate a published snapshot.
type Registry struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(emptySnapshot())
	return r
}

// Tenant returns the tenant contract for id.
func (r *Registry) Tenant(id string) (*TenantContract, error) {
	if t, ok := r.current.Load().tenants[id]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
}

// Client returns the client contract for id.
func (r *Registry) Client(id string) (*ClientContract, error) {
	if c, ok := r.current.Load().clients[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
}

// Tenants returns every loaded tenant contract.
func (r *Registry) Tenants() []*TenantContract {
	snap := r.current.Load()
	out := make([]*TenantContract, 0, len(snap.tenants))
	for _, t := range snap.tenants {
		out = append(out, t)
	}
	return out
}

// ClientsForTenant returns every client registered under a tenant.
func (r *Registry) ClientsForTenant(tenantID string) []*ClientContract {
	snap := r.current.Load()
	var out []*ClientContract
	for _, c := range snap.clients {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

// UpsertTenant publishes a new tenant contract version. The version must be
// strictly greater than the current one; equal or lower versions are stale.
func (r *Registry) UpsertTenant(t *TenantContract) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	if existing, ok := snap.tenants[t.TenantID]; ok && t.Version <= existing.Version {
		return fmt.Errorf("%w: tenant %s version %d <= %d",
			ErrStaleVersion, t.TenantID, t.Version, existing.Version)
	}

	next := snap.clone()
	next.tenants[t.TenantID] = t
	r.current.Store(next)
	return nil
}

// UpsertClient publishes a new client contract version after validating it
// against the current tenant envelope.
func (r *Registry) UpsertClient(c *ClientContract) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load()
	tenant, ok := snap.tenants[c.TenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, c.TenantID)
	}
	if existing, ok := snap.clients[c.ClientID]; ok && c.Version <= existing.Version {
		return fmt.Errorf("%w: client %s version %d <= %d",
			ErrStaleVersion, c.ClientID, c.Version, existing.Version)
	}
	if err := ValidateEnvelope(c, tenant); err != nil {
		return err
	}

	next := snap.clone()
	next.clients[c.ClientID] = c
	r.current.Store(next)
	return nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		tenants: make(map[string]*TenantContract, len(s.tenants)),
		clients: make(map[string]*ClientContract, len(s.clients)),
	}
	for k, v := range s.tenants {
		next.tenants[k] = v
	}
	for k, v := range s.clients {
		next.clients[k] = v
	}
	return next
}

// LoadDir reads every *.tenant.json and *.client.json under dir, validates
// documents and envelopes, and atomically swaps the whole snapshot. A single
// invalid file aborts the load and keeps the previous snapshot serving.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading contracts dir: %w", err)
	}

	next := emptySnapshot()

	// Tenants first so client envelope checks can resolve them.
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tenantFileSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		t, err := ParseTenant(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, dup := next.tenants[t.TenantID]; dup {
			return fmt.Errorf("%w: duplicate tenant %s", ErrInvalidContract, t.TenantID)
		}
		next.tenants[t.TenantID] = t
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), clientFileSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		c, err := ParseClient(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		tenant, ok := next.tenants[c.TenantID]
		if !ok {
			return fmt.Errorf("%s: %w: %s", entry.Name(), ErrTenantNotFound, c.TenantID)
		}
		if err := ValidateEnvelope(c, tenant); err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if _, dup := next.clients[c.ClientID]; dup {
			return fmt.Errorf("%w: duplicate client %s", ErrInvalidContract, c.ClientID)
		}
		next.clients[c.ClientID] = c
	}

	r.mu.Lock()
	r.current.Store(next)
	r.mu.Unlock()

	logger.Infow("contracts loaded",
		"dir", dir,
		"tenants", len(next.tenants),
		"clients", len(next.clients),
	)
	return nil
}

// Watch reloads the directory whenever its contents change, until ctx is
// done. Reload failures keep the previous snapshot and are logged; they are
// not fatal to the watcher.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating contracts watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching contracts dir: %w", err)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Errorw("contracts watcher error", "error", err)

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if err := r.LoadDir(dir); err != nil {
				logger.Errorw("contracts reload failed, keeping previous snapshot",
					"dir", dir,
					"error", err,
				)
			}
		}
	}
}
