package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.json")
	s, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestNewStoreMissingFile(t *testing.T) {
	s := newTestStore(t)
	if got := s.ListServices(); len(got) != 0 {
		t.Errorf("services = %d, want 0", len(got))
	}
}

func TestAddService(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddService("svc", 6000, ""); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	svcs := s.ListServices()
	if len(svcs) != 1 {
		t.Fatalf("services = %d, want 1", len(svcs))
	}
	if svcs[0].Name != "svc" {
		t.Errorf("name = %q, want %q", svcs[0].Name, "svc")
	}
	if svcs[0].Mode != ModeFailover {
		t.Errorf("mode = %q, want default %q", svcs[0].Mode, ModeFailover)
	}
	if svcs[0].ListenPort != 6000 {
		t.Errorf("listen_port = %d, want 6000", svcs[0].ListenPort)
	}
}

func TestAddServiceDuplicate(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddService("svc", 6000, ModeFailover); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	err := s.AddService("svc", 6001, ModeFailover)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestAddServiceInvalid(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name string
		port int
		mode string
	}{
		{"", 6000, ModeFailover},
		{"svc", 0, ModeFailover},
		{"svc", 65536, ModeFailover},
		{"svc", 6000, "random"},
	}
	for _, tc := range cases {
		err := s.AddService(tc.name, tc.port, tc.mode)
		if !IsValidation(err) {
			t.Errorf("AddService(%q, %d, %q) err = %v, want validation error", tc.name, tc.port, tc.mode, err)
		}
	}
}

func TestEditServiceRenameCollision(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddService("a", 6000, "")
	_ = s.AddService("b", 6001, "")

	err := s.EditService("a", "b", 0, "")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestEditServiceFields(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddService("a", 6000, "")
	if err := s.EditService("a", "renamed", 7000, ModeRoundRobin); err != nil {
		t.Fatalf("EditService: %v", err)
	}

	svc, err := s.GetService("renamed")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if svc.ListenPort != 7000 {
		t.Errorf("listen_port = %d, want 7000", svc.ListenPort)
	}
	if svc.Mode != ModeRoundRobin {
		t.Errorf("mode = %q, want %q", svc.Mode, ModeRoundRobin)
	}

	if _, err := s.GetService("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still resolves, err = %v", err)
	}
}

func TestRemoveService(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddService("a", 6000, "")
	if err := s.RemoveService("a"); err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if err := s.RemoveService("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAddServerDefaults(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddService("svc", 6000, "")
	if err := s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	servers, _ := s.ListServers("svc")
	if len(servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(servers))
	}
	if servers[0].CheckType != CheckTCP {
		t.Errorf("check_type = %q, want default %q", servers[0].CheckType, CheckTCP)
	}
}

func TestAddServerHTTPPathDefault(t *testing.T) {
	s := newTestStore(t)

	_ = s.AddService("svc", 6000, "")
	if err := s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 8080, CheckType: CheckHTTP}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	servers, _ := s.ListServers("svc")
	if servers[0].HTTPPath != "/" {
		t.Errorf("http_path = %q, want %q", servers[0].HTTPPath, "/")
	}
}

func TestAddServerBoundaryPorts(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")

	for _, port := range []int{1, 65535} {
		if err := s.AddServer("svc", Backend{IP: "10.0.0.1", Port: port}); err != nil {
			t.Errorf("AddServer port %d: %v, want accepted", port, err)
		}
	}
	for _, port := range []int{0, 65536} {
		err := s.AddServer("svc", Backend{IP: "10.0.0.2", Port: port})
		if !IsValidation(err) {
			t.Errorf("AddServer port %d err = %v, want validation error", port, err)
		}
	}
}

func TestAddServerBadIP(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")

	err := s.AddServer("svc", Backend{IP: "not-an-ip", Port: 9000})
	if !IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestAddServerIPv6(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")

	if err := s.AddServer("svc", Backend{IP: "2001:db8::1", Port: 9000}); err != nil {
		t.Fatalf("AddServer IPv6: %v", err)
	}
	servers, _ := s.ListServers("svc")
	if got, want := servers[0].Addr(), "[2001:db8::1]:9000"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestAddServerDuplicateIdentity(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")
	_ = s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000})

	err := s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000, CheckType: CheckHTTP})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestEditServerIdentityChange(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")
	_ = s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000})

	updated, err := s.EditServer("svc", "1.2.3.4", 9000, "5.6.7.8", 9001, "")
	if err != nil {
		t.Fatalf("EditServer: %v", err)
	}
	if updated.IP != "5.6.7.8" || updated.Port != 9001 {
		t.Errorf("updated = %s, want 5.6.7.8:9001", updated.Key())
	}

	if _, err := s.EditServer("svc", "1.2.3.4", 9000, "", 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("old identity still present, err = %v", err)
	}
}

func TestEditServerIdentityCollision(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")
	_ = s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000})
	_ = s.AddServer("svc", Backend{IP: "5.6.7.8", Port: 9001})

	_, err := s.EditServer("svc", "1.2.3.4", 9000, "5.6.7.8", 9001, "")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestRemoveServer(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")
	_ = s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000})

	if err := s.RemoveServer("svc", "1.2.3.4", 9000); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if err := s.RemoveServer("svc", "1.2.3.4", 9000); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetServiceMode(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")

	if err := s.SetServiceMode("svc", ModeRoundRobin); err != nil {
		t.Fatalf("SetServiceMode: %v", err)
	}
	svc, _ := s.GetService("svc")
	if svc.Mode != ModeRoundRobin {
		t.Errorf("mode = %q, want %q", svc.Mode, ModeRoundRobin)
	}

	if err := s.SetServiceMode("svc", "lru"); !IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
	if err := s.SetServiceMode("nope", ModeFailover); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	s, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_ = s.AddService("a", 6000, ModeFailover)
	_ = s.AddServer("a", Backend{IP: "1.1.1.1", Port: 80})
	_ = s.AddServer("a", Backend{IP: "2.2.2.2", Port: 8080, CheckType: CheckHTTP, HTTPPath: "/health"})
	_ = s.AddService("b", 7100, ModeRoundRobin)
	_ = s.RemoveServer("a", "1.1.1.1", 80)

	// A fresh store over the same file must reproduce the state exactly.
	reloaded, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	want := s.ListServices()
	got := reloaded.ListServices()
	if len(got) != len(want) {
		t.Fatalf("services = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Name != want[i].Name ||
			got[i].ListenPort != want[i].ListenPort ||
			got[i].Mode != want[i].Mode ||
			len(got[i].Servers) != len(want[i].Servers) {
			t.Errorf("service %d = %+v, want %+v", i, got[i], want[i])
		}
		for j := range want[i].Servers {
			if got[i].Servers[j] != want[i].Servers[j] {
				t.Errorf("service %d server %d = %+v, want %+v", i, j, got[i].Servers[j], want[i].Servers[j])
			}
		}
	}
}

func TestPersistenceRollbackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	s, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.AddService("a", 6000, ""); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	// Replace the state file with a directory so the atomic rename fails.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove state file: %v", err)
	}
	if err := os.Mkdir(path, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err = s.AddService("b", 7000, "")
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}

	// The failed mutation must be rolled back.
	if len(s.ListServices()) != 1 {
		t.Errorf("services = %d after failed write, want 1", len(s.ListServices()))
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := newTestStore(t)
	_ = s.AddService("svc", 6000, "")
	_ = s.AddServer("svc", Backend{IP: "1.2.3.4", Port: 9000})

	snap := s.ListServices()
	snap[0].Servers[0].IP = "9.9.9.9"

	servers, _ := s.ListServers("svc")
	if servers[0].IP != "1.2.3.4" {
		t.Errorf("store mutated through snapshot: ip = %q", servers[0].IP)
	}
}
