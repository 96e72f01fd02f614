// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Store is the authoritative, guarded service/backend state.
//
// Every accepted mutation updates the in-memory state and rewrites the whole
// JSON state file atomically (temp file + rename). If the write fails the
// mutation is rolled back and a PersistenceError is returned, so the file and
// memory never diverge silently.
//
// Snapshot reads return deep copies; callers may hold them across ticks.
type Store struct {
	mu       sync.RWMutex
	services []Service
	path     string
	log      zerolog.Logger
}

// NewStore loads the state file at path, or starts empty if it does not
// exist. The parent directory is created on the first write.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log.With().Str("component", "config-store").Logger(),
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is from operator configuration
	if os.IsNotExist(err) {
		s.log.Info().Str("path", path).Msg("no state file, starting empty")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	for _, svc := range state.Services {
		if err := svc.Validate(); err != nil {
			return nil, fmt.Errorf("state file service %q: %w", svc.Name, err)
		}
		for _, b := range svc.Servers {
			if err := b.Validate(); err != nil {
				return nil, fmt.Errorf("state file service %q backend %s: %w", svc.Name, b.Key(), err)
			}
		}
	}

	s.services = state.Services
	s.log.Info().Int("services", len(s.services)).Str("path", path).Msg("state loaded")
	return s, nil
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// ListServices returns an ordered deep copy of all services.
func (s *Store) ListServices() []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Service, len(s.services))
	for i, svc := range s.services {
		out[i] = svc.Clone()
	}
	return out
}

// GetService returns a deep copy of the named service.
func (s *Store) GetService(name string) (Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, svc := range s.services {
		if svc.Name == name {
			return svc.Clone(), nil
		}
	}
	return Service{}, fmt.Errorf("service %q: %w", name, ErrNotFound)
}

// ListServers returns a copy of the named service's backend list.
func (s *Store) ListServers(name string) ([]Backend, error) {
	svc, err := s.GetService(name)
	if err != nil {
		return nil, err
	}
	return svc.Servers, nil
}

// AddService creates a new service with no backends. An empty mode defaults
// to failover.
func (s *Store) AddService(name string, listenPort int, mode string) error {
	if mode == "" {
		mode = ModeFailover
	}
	svc := Service{Name: name, ListenPort: listenPort, Mode: mode, Servers: []Backend{}}
	if err := svc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(name) >= 0 {
		return fmt.Errorf("service %q: %w", name, ErrAlreadyExists)
	}

	next := s.cloneLocked()
	next = append(next, svc)
	return s.commitLocked(next)
}

// EditService updates a service's name, listen port and/or mode. Zero values
// leave the corresponding field unchanged.
func (s *Store) EditService(name, newName string, listenPort int, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}

	next := s.cloneLocked()
	svc := &next[i]

	if newName != "" && newName != name {
		if s.indexOf(newName) >= 0 {
			return fmt.Errorf("service %q: %w", newName, ErrAlreadyExists)
		}
		svc.Name = newName
	}
	if listenPort != 0 {
		svc.ListenPort = listenPort
	}
	if mode != "" {
		svc.Mode = mode
	}
	if err := svc.Validate(); err != nil {
		return err
	}
	return s.commitLocked(next)
}

// RemoveService deletes the named service.
func (s *Store) RemoveService(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}

	next := s.cloneLocked()
	next = append(next[:i], next[i+1:]...)
	return s.commitLocked(next)
}

// SetServiceMode sets the selection mode of the named service.
func (s *Store) SetServiceMode(name, mode string) error {
	if err := validateMode(mode); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("service %q: %w", name, ErrNotFound)
	}

	next := s.cloneLocked()
	next[i].Mode = mode
	return s.commitLocked(next)
}

// AddServer appends a backend to the named service. An empty check type
// defaults to tcp; http checks with no path default to "/".
func (s *Store) AddServer(service string, b Backend) error {
	if b.CheckType == "" {
		b.CheckType = CheckTCP
	}
	if b.CheckType == CheckHTTP && b.HTTPPath == "" {
		b.HTTPPath = DefaultHTTPPath
	}
	if b.CheckType != CheckHTTP {
		b.HTTPPath = ""
	}
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(service)
	if i < 0 {
		return fmt.Errorf("service %q: %w", service, ErrNotFound)
	}

	next := s.cloneLocked()
	for _, existing := range next[i].Servers {
		if existing.IP == b.IP && existing.Port == b.Port {
			return fmt.Errorf("backend %s: %w", b.Key(), ErrAlreadyExists)
		}
	}
	next[i].Servers = append(next[i].Servers, b)
	return s.commitLocked(next)
}

// EditServer updates a backend identified by (ip, port). Zero values leave
// the corresponding field unchanged. The updated backend is returned so
// callers can detect identity changes (stats for the old identity are reset,
// not migrated).
func (s *Store) EditServer(service, ip string, port int, newIP string, newPort int, checkType string) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(service)
	if i < 0 {
		return Backend{}, fmt.Errorf("service %q: %w", service, ErrNotFound)
	}

	next := s.cloneLocked()
	j := -1
	for k, b := range next[i].Servers {
		if b.IP == ip && b.Port == port {
			j = k
			break
		}
	}
	if j < 0 {
		return Backend{}, fmt.Errorf("backend %s:%d: %w", ip, port, ErrNotFound)
	}

	b := next[i].Servers[j]
	if newIP != "" {
		b.IP = newIP
	}
	if newPort != 0 {
		b.Port = newPort
	}
	if checkType != "" {
		b.CheckType = checkType
		if b.CheckType == CheckHTTP && b.HTTPPath == "" {
			b.HTTPPath = DefaultHTTPPath
		}
		if b.CheckType != CheckHTTP {
			b.HTTPPath = ""
		}
	}
	if err := b.Validate(); err != nil {
		return Backend{}, err
	}

	if b.IP != ip || b.Port != port {
		for k, other := range next[i].Servers {
			if k != j && other.IP == b.IP && other.Port == b.Port {
				return Backend{}, fmt.Errorf("backend %s: %w", b.Key(), ErrAlreadyExists)
			}
		}
	}

	next[i].Servers[j] = b
	if err := s.commitLocked(next); err != nil {
		return Backend{}, err
	}
	return b, nil
}

// RemoveServer deletes the backend identified by (ip, port).
func (s *Store) RemoveServer(service, ip string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(service)
	if i < 0 {
		return fmt.Errorf("service %q: %w", service, ErrNotFound)
	}

	next := s.cloneLocked()
	for j, b := range next[i].Servers {
		if b.IP == ip && b.Port == port {
			next[i].Servers = append(next[i].Servers[:j], next[i].Servers[j+1:]...)
			return s.commitLocked(next)
		}
	}
	return fmt.Errorf("backend %s:%d: %w", ip, port, ErrNotFound)
}

// indexOf returns the position of the named service, or -1. Callers must
// hold s.mu.
func (s *Store) indexOf(name string) int {
	for i, svc := range s.services {
		if svc.Name == name {
			return i
		}
	}
	return -1
}

// cloneLocked deep-copies the current service list for mutation. Callers
// must hold s.mu for writing.
func (s *Store) cloneLocked() []Service {
	next := make([]Service, len(s.services))
	for i, svc := range s.services {
		next[i] = svc.Clone()
	}
	return next
}

// commitLocked persists next to disk and, only on success, swaps it in.
// A failed write leaves the previous state in place (rollback policy).
// Callers must hold s.mu for writing.
func (s *Store) commitLocked(next []Service) error {
	if err := writeState(s.path, next); err != nil {
		s.log.Error().Err(err).Msg("state write failed, mutation rolled back")
		return &PersistenceError{Err: err}
	}
	s.services = next
	return nil
}

// writeState writes the state file atomically: marshal, write to a temp file
// in the same directory, sync, rename. A crash mid-write leaves either the
// old file or the new file, never a torn one.
func writeState(path string, services []Service) error {
	data, err := json.MarshalIndent(stateFile{Services: services}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	// #nosec G301 - state directory needs group read for monitoring
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".servers.*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Chmod(0640); err != nil { // #nosec G302 - owner+group only
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}

	success = true
	return nil
}
