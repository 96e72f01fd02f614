// SPDX-License-Identifier: MIT

// Package stats tracks per-service and per-backend byte counters and
// per-service runtime lifecycle data (restart count, last start, currently
// active backend).
//
// Counters are monotonically non-decreasing within the process lifetime.
// Removing a backend or service drops its counters; re-adding starts from
// zero. Increments update atomic counters under the registry's read lock
// (the write lock only when an entry is first created), so concurrent
// shuttles do not serialize on each other.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Direction of a byte transfer relative to the balanced service.
type Direction int

const (
	// In counts upstream→downstream transfers.
	In Direction = iota
	// Out counts downstream→upstream transfers.
	Out
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// BackendKey identifies a backend's counters.
type BackendKey struct {
	Service string
	IP      string
	Port    int
}

func (k BackendKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Service, k.IP, k.Port)
}

// byteCounters is a pair of atomic byte counters.
type byteCounters struct {
	in  atomic.Int64
	out atomic.Int64
}

func (c *byteCounters) add(d Direction, n int64) {
	if d == In {
		c.in.Add(n)
	} else {
		c.out.Add(n)
	}
}

// serviceEntry holds a service's counters and runtime fields.
type serviceEntry struct {
	bytes byteCounters

	mu           sync.Mutex
	restartCount int
	lastStart    time.Time
	lastActive   string // "ip:port", "" = none
	handleID     uint64 // listener handle, analogous to the worker pid
}

// ServiceStats is a read snapshot of a service's runtime and counters.
type ServiceStats struct {
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
	BytesTotal   int64     `json:"bytes_total"`
	RestartCount int       `json:"restart_count"`
	LastStart    time.Time `json:"last_start_time"`
	LastActive   string    `json:"last_active,omitempty"`
	HandleID     uint64    `json:"handle_id"`
}

// BackendStats is a read snapshot of one backend's counters.
type BackendStats struct {
	BytesIn    int64 `json:"bytes_in"`
	BytesOut   int64 `json:"bytes_out"`
	BytesTotal int64 `json:"bytes_total"`
}

// Registry is the shared stats store. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	backends map[BackendKey]*byteCounters
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*serviceEntry),
		backends: make(map[BackendKey]*byteCounters),
	}
}

// AddBytes records n transferred bytes for both the service and backend
// scope, creating entries on first use.
func (r *Registry) AddBytes(service, ip string, port int, d Direction, n int64) {
	if n <= 0 {
		return
	}

	key := BackendKey{Service: service, IP: ip, Port: port}

	r.mu.RLock()
	svc := r.services[service]
	be := r.backends[key]
	r.mu.RUnlock()

	if svc == nil || be == nil {
		r.mu.Lock()
		if svc = r.services[service]; svc == nil {
			svc = &serviceEntry{}
			r.services[service] = svc
		}
		if be = r.backends[key]; be == nil {
			be = &byteCounters{}
			r.backends[key] = be
		}
		r.mu.Unlock()
	}

	svc.bytes.add(d, n)
	be.add(d, n)
	ForwardBytes.WithLabelValues(service, fmt.Sprintf("%s:%d", ip, port), d.String()).Add(float64(n))
}

// RecordRotation records a listener rotation for a service: the restart
// counter increments, the active backend and start time are replaced.
func (r *Registry) RecordRotation(service, backend string, handleID uint64, at time.Time) {
	svc := r.serviceEntry(service)
	svc.mu.Lock()
	svc.restartCount++
	svc.lastStart = at
	svc.lastActive = backend
	svc.handleID = handleID
	svc.mu.Unlock()
	ListenerRestarts.WithLabelValues(service).Inc()
}

// ClearActive marks a service as having no active backend (listener torn
// down).
func (r *Registry) ClearActive(service string) {
	svc := r.serviceEntry(service)
	svc.mu.Lock()
	svc.lastActive = ""
	svc.handleID = 0
	svc.mu.Unlock()
}

// DropService removes all stats for a service, including its backends'.
func (r *Registry) DropService(service string) {
	r.mu.Lock()
	delete(r.services, service)
	for key := range r.backends {
		if key.Service == service {
			delete(r.backends, key)
			ForwardBytes.DeleteLabelValues(service, fmt.Sprintf("%s:%d", key.IP, key.Port), "in")
			ForwardBytes.DeleteLabelValues(service, fmt.Sprintf("%s:%d", key.IP, key.Port), "out")
		}
	}
	r.mu.Unlock()
	ListenerRestarts.DeleteLabelValues(service)
}

// DropBackend removes one backend's counters. Used on backend removal and
// on identity change, where the policy is reset: the old key is deleted and
// the new key starts at zero on first use.
func (r *Registry) DropBackend(service, ip string, port int) {
	key := BackendKey{Service: service, IP: ip, Port: port}
	r.mu.Lock()
	delete(r.backends, key)
	r.mu.Unlock()
	addr := fmt.Sprintf("%s:%d", ip, port)
	ForwardBytes.DeleteLabelValues(service, addr, "in")
	ForwardBytes.DeleteLabelValues(service, addr, "out")
	ProbeUp.DeleteLabelValues(service, addr)
}

// RenameService moves a service's stats to a new name, preserving counters.
// A rename does not restart the byte accounting.
func (r *Registry) RenameService(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.services[oldName]; ok {
		delete(r.services, oldName)
		r.services[newName] = svc
	}
	for key, c := range r.backends {
		if key.Service == oldName {
			delete(r.backends, key)
			key.Service = newName
			r.backends[key] = c
		}
	}
}

// ServiceSnapshot returns a copy of all service-level stats.
func (r *Registry) ServiceSnapshot() map[string]ServiceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ServiceStats, len(r.services))
	for name, svc := range r.services {
		in := svc.bytes.in.Load()
		outBytes := svc.bytes.out.Load()

		svc.mu.Lock()
		st := ServiceStats{
			BytesIn:      in,
			BytesOut:     outBytes,
			BytesTotal:   in + outBytes,
			RestartCount: svc.restartCount,
			LastStart:    svc.lastStart,
			LastActive:   svc.lastActive,
			HandleID:     svc.handleID,
		}
		svc.mu.Unlock()

		out[name] = st
	}
	return out
}

// BackendSnapshot returns a copy of all backend-level stats, keyed
// "service:ip:port".
func (r *Registry) BackendSnapshot() map[string]BackendStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]BackendStats, len(r.backends))
	for key, c := range r.backends {
		in := c.in.Load()
		outBytes := c.out.Load()
		out[key.String()] = BackendStats{
			BytesIn:    in,
			BytesOut:   outBytes,
			BytesTotal: in + outBytes,
		}
	}
	return out
}

// Service returns a snapshot for one service; ok is false if it has no
// stats yet.
func (r *Registry) Service(name string) (ServiceStats, bool) {
	r.mu.RLock()
	svc := r.services[name]
	r.mu.RUnlock()
	if svc == nil {
		return ServiceStats{}, false
	}

	in := svc.bytes.in.Load()
	outBytes := svc.bytes.out.Load()
	svc.mu.Lock()
	st := ServiceStats{
		BytesIn:      in,
		BytesOut:     outBytes,
		BytesTotal:   in + outBytes,
		RestartCount: svc.restartCount,
		LastStart:    svc.lastStart,
		LastActive:   svc.lastActive,
		HandleID:     svc.handleID,
	}
	svc.mu.Unlock()
	return st, true
}

// serviceEntry returns the entry for a service, creating it if absent.
func (r *Registry) serviceEntry(service string) *serviceEntry {
	r.mu.RLock()
	svc := r.services[service]
	r.mu.RUnlock()
	if svc != nil {
		return svc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if svc = r.services[service]; svc == nil {
		svc = &serviceEntry{}
		r.services[service] = svc
	}
	return svc
}
