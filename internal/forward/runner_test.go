package forward

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/config"
	"github.com/valenti1234/socat-balancer-2/internal/events"
	"github.com/valenti1234/socat-balancer-2/internal/stats"
)

// echoBackend starts a TCP server that echoes everything it reads.
func echoBackend(t *testing.T) config.Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return config.Backend{IP: "127.0.0.1", Port: port, CheckType: config.CheckTCP}
}

// deadBackend returns a backend nothing listens on.
func deadBackend(t *testing.T) config.Backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return config.Backend{IP: "127.0.0.1", Port: port, CheckType: config.CheckTCP}
}

// freePort reserves and releases a port for the runner's listener.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

type runnerFixture struct {
	runner   *Runner
	registry *stats.Registry
	bus      *events.Bus
	events   <-chan events.Event
}

func newFixture(t *testing.T, name string, rotation time.Duration) *runnerFixture {
	t.Helper()
	registry := stats.NewRegistry()
	bus := events.NewBus(zerolog.Nop())
	ch, cancel := bus.Subscribe()
	t.Cleanup(cancel)

	r := NewRunner(name, Config{
		DialTimeout:      time.Second,
		RotationInterval: rotation,
		Stats:            registry,
		Bus:              bus,
		Logger:           zerolog.Nop(),
	})
	t.Cleanup(r.Stop)

	return &runnerFixture{runner: r, registry: registry, bus: bus, events: ch}
}

func (f *runnerFixture) waitEvent(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if strings.Contains(ev.Message, substr) {
				return ev.Message
			}
		case <-deadline:
			t.Fatalf("no event containing %q", substr)
		}
	}
}

func dialAndEcho(t *testing.T, port int, payload string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(payload))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}


func TestFailoverRoutesFirstHealthy(t *testing.T) {
	b1 := echoBackend(t)
	b2 := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: port,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{b1, b2},
	}

	f := newFixture(t, "A", time.Minute)
	f.runner.Reconcile(svc, []config.Backend{b1, b2})

	st := f.runner.Status()
	if !st.Listening {
		t.Fatal("not listening after reconcile")
	}
	if st.Active != b1.Key() {
		t.Errorf("active = %s, want %s", st.Active, b1.Key())
	}
	if st.RestartCount != 1 {
		t.Errorf("restart_count = %d, want 1", st.RestartCount)
	}
	f.waitEvent(t, "Routing traffic on port")

	if got := dialAndEcho(t, port, "hello"); got != "hello" {
		t.Errorf("echo = %q, want %q", got, "hello")
	}

	// The shuttles credit bytes to the backend the connection used.
	waitFor(t, func() bool {
		be, ok := f.registry.BackendSnapshot()["A:"+b1.Key()]
		return ok && be.BytesOut >= 5 && be.BytesIn >= 5 && be.BytesTotal == be.BytesIn+be.BytesOut
	}, "backend byte counters")
}

func TestFailoverStableAcrossTicks(t *testing.T) {
	b1 := echoBackend(t)
	b2 := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: port,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{b1, b2},
	}

	f := newFixture(t, "A", time.Minute)
	for i := 0; i < 5; i++ {
		f.runner.Reconcile(svc, []config.Backend{b1, b2})
	}

	st := f.runner.Status()
	if st.RestartCount != 1 {
		t.Errorf("restart_count = %d after stable ticks, want 1", st.RestartCount)
	}
	if st.Active != b1.Key() {
		t.Errorf("active = %s, want %s", st.Active, b1.Key())
	}
}

func TestFailoverFlapSwitchesBackend(t *testing.T) {
	b1 := echoBackend(t)
	b2 := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: port,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{b1, b2},
	}

	f := newFixture(t, "A", time.Minute)
	f.runner.Reconcile(svc, []config.Backend{b1, b2})

	// First backend goes DOWN.
	f.runner.Reconcile(svc, []config.Backend{b2})

	st := f.runner.Status()
	if st.Active != b2.Key() {
		t.Errorf("active = %s, want %s", st.Active, b2.Key())
	}
	if st.RestartCount != 2 {
		t.Errorf("restart_count = %d, want 2", st.RestartCount)
	}
	msg := f.waitEvent(t, "to "+b2.Key())
	if !strings.Contains(msg, "for service 'A' (mode: failover)") {
		t.Errorf("event = %q, missing service/mode suffix", msg)
	}

	// Recovery: b1 UP again takes over in failover order.
	f.runner.Reconcile(svc, []config.Backend{b1, b2})
	if got := f.runner.Status().Active; got != b1.Key() {
		t.Errorf("active after recovery = %s, want %s", got, b1.Key())
	}
}

func TestNoHealthyTearsDownListener(t *testing.T) {
	b1 := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: port,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{b1},
	}

	f := newFixture(t, "A", time.Minute)
	f.runner.Reconcile(svc, []config.Backend{b1})
	f.runner.Reconcile(svc, nil)

	st := f.runner.Status()
	if st.Listening {
		t.Error("still listening with no healthy backends")
	}
	if st.Active != "" {
		t.Errorf("active = %q, want none", st.Active)
	}
	f.waitEvent(t, "No healthy servers available on port")

	// New connections are refused at the OS level.
	if _, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 200*time.Millisecond); err == nil {
		t.Error("dial succeeded after teardown")
	}

	// A second all-down tick does not emit a duplicate outage event.
	f.runner.Reconcile(svc, nil)
	select {
	case ev := <-f.events:
		t.Errorf("unexpected event: %q", ev.Message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoundRobinRotation(t *testing.T) {
	x := echoBackend(t)
	y := echoBackend(t)
	z := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "B",
		ListenPort: port,
		Mode:       config.ModeRoundRobin,
		Servers:    []config.Backend{x, y, z},
	}
	healthy := []config.Backend{x, y, z}

	f := newFixture(t, "B", 20*time.Millisecond)

	var sequence []string
	for i := 0; i < 5; i++ {
		f.runner.Reconcile(svc, healthy)
		sequence = append(sequence, f.runner.Status().Active)
		time.Sleep(25 * time.Millisecond)
	}

	want := []string{x.Key(), y.Key(), z.Key(), x.Key(), y.Key()}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("rotation %d = %s, want %s (sequence %v)", i, sequence[i], want[i], sequence)
		}
	}
}

func TestRoundRobinIntervalGate(t *testing.T) {
	x := echoBackend(t)
	y := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "B",
		ListenPort: port,
		Mode:       config.ModeRoundRobin,
		Servers:    []config.Backend{x, y},
	}
	healthy := []config.Backend{x, y}

	f := newFixture(t, "B", time.Hour)
	f.runner.Reconcile(svc, healthy)
	first := f.runner.Status()

	// Interval not elapsed: the tick is skipped, cursor and listener stay.
	f.runner.Reconcile(svc, healthy)
	second := f.runner.Status()

	if second.RestartCount != first.RestartCount {
		t.Errorf("restart_count advanced within interval: %d → %d", first.RestartCount, second.RestartCount)
	}
	if second.Active != first.Active {
		t.Errorf("active changed within interval: %s → %s", first.Active, second.Active)
	}
}

func TestRoundRobinRotatesEarlyWhenActiveUnhealthy(t *testing.T) {
	x := echoBackend(t)
	y := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "B",
		ListenPort: port,
		Mode:       config.ModeRoundRobin,
		Servers:    []config.Backend{x, y},
	}

	f := newFixture(t, "B", time.Hour)
	f.runner.Reconcile(svc, []config.Backend{x, y})
	if got := f.runner.Status().Active; got != x.Key() {
		t.Fatalf("active = %s, want %s", got, x.Key())
	}

	// The active backend drops out; waiting out the hour would route to a
	// dead backend, so the runner rotates immediately.
	f.runner.Reconcile(svc, []config.Backend{y})
	if got := f.runner.Status().Active; got != y.Key() {
		t.Errorf("active = %s, want %s", got, y.Key())
	}
}

func TestListenPortChangeMovesListener(t *testing.T) {
	b := echoBackend(t)
	portA := freePort(t)
	portB := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: portA,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{b},
	}

	f := newFixture(t, "A", time.Minute)
	f.runner.Reconcile(svc, []config.Backend{b})
	if got := f.runner.Status().Port; got != portA {
		t.Fatalf("port = %d, want %d", got, portA)
	}

	svc.ListenPort = portB
	f.runner.Reconcile(svc, []config.Backend{b})

	st := f.runner.Status()
	if st.Port != portB {
		t.Errorf("port = %d, want %d", st.Port, portB)
	}
	if st.RestartCount != 2 {
		t.Errorf("restart_count = %d, want 2", st.RestartCount)
	}

	if got := dialAndEcho(t, portB, "ping"); got != "ping" {
		t.Errorf("echo on new port = %q, want %q", got, "ping")
	}
	if _, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(portA), 200*time.Millisecond); err == nil {
		t.Error("old port still accepting")
	}
}

func TestUpstreamDialFailureDropsClient(t *testing.T) {
	dead := deadBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: port,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{dead},
	}

	// The prober believed the backend was up; it died before the dial.
	f := newFixture(t, "A", time.Minute)
	f.runner.Reconcile(svc, []config.Backend{dead})

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// The forwarder closes the client when the upstream dial fails; the
	// listener itself must survive.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection close")
	}

	if !f.runner.Status().Listening {
		t.Error("listener died after upstream dial failure")
	}
}

func TestStopDetachesInFlightConnections(t *testing.T) {
	b := echoBackend(t)
	port := freePort(t)

	svc := config.Service{
		Name:       "A",
		ListenPort: port,
		Mode:       config.ModeFailover,
		Servers:    []config.Backend{b},
	}

	f := newFixture(t, "A", time.Minute)
	f.runner.Reconcile(svc, []config.Backend{b})

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	f.runner.Stop()

	// The in-flight connection still shuttles after Stop.
	if _, err := conn.Write([]byte("still here")); err != nil {
		t.Fatalf("write after stop: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 10)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read after stop: %v", err)
	}
	if string(buf[:n]) != "still here" {
		t.Errorf("echo = %q, want %q", string(buf[:n]), "still here")
	}

	// But new connections are refused.
	if _, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 200*time.Millisecond); err == nil {
		t.Error("dial succeeded after Stop")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
