// SPDX-License-Identifier: MIT

// Package probe implements continuous backend health checking.
//
// A single loop ticks at the configured check interval. Each tick probes
// every backend of every service concurrently (bounded by a semaphore),
// classifies each as UP or DOWN, and publishes a snapshot: the status map
// served by the control API and the per-service ordered healthy list the
// reconciler selects from.
//
// Probe kinds:
//   - tcp:  a TCP connect within the probe timeout
//   - http: GET http://ip:port{http_path}, UP iff the status is 200
//   - smpp: reserved label, probed as a TCP connect
//
// Any transport error means DOWN. A panic inside one probe is contained and
// classifies only that backend as DOWN.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/valenti1234/socat-balancer-2/internal/config"
	"github.com/valenti1234/socat-balancer-2/internal/stats"
	"github.com/valenti1234/socat-balancer-2/internal/util"
)

// Backend status values as served by the control API.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// Result is one tick's snapshot.
type Result struct {
	// Services is the ordered config snapshot this tick probed.
	Services []config.Service

	// Status maps service name → "ip:port (check_type)" → "UP"|"DOWN".
	Status map[string]map[string]string

	// Healthy maps service name → UP backends in configured order.
	Healthy map[string][]config.Backend
}

// ConfigSource supplies the services to probe.
type ConfigSource interface {
	ListServices() []config.Service
}

// Prober runs the health check loop.
type Prober struct {
	source      ConfigSource
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	log         zerolog.Logger
	httpClient  *http.Client

	mu   sync.RWMutex
	last Result

	results chan Result
}

// New creates a Prober. concurrency bounds in-flight probes per tick so a
// large fleet cannot exhaust file descriptors.
func New(source ConfigSource, interval, timeout time.Duration, concurrency int, log zerolog.Logger) *Prober {
	if concurrency <= 0 {
		concurrency = 32
	}
	return &Prober{
		source:      source,
		interval:    interval,
		timeout:     timeout,
		concurrency: concurrency,
		log:         log.With().Str("component", "prober").Logger(),
		httpClient: &http.Client{
			Timeout: timeout,
			// Each probe is a one-shot request; keeping idle conns alive
			// would mask dead backends behind pooled sockets.
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		results: make(chan Result, 1),
	}
}

// Results returns the channel the Prober publishes each tick's snapshot
// on. The channel holds only the latest result; slow consumers see the
// freshest state, not a backlog.
func (p *Prober) Results() <-chan Result {
	return p.results
}

// Status returns the most recent status map, for the control API.
func (p *Prober) Status() map[string]map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[string]string, len(p.last.Status))
	for svc, m := range p.last.Status {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out[svc] = cp
	}
	return out
}

// Serve implements suture.Service: an immediate tick so state is classified
// quickly at startup, then one tick per interval until ctx is cancelled.
func (p *Prober) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *Prober) String() string {
	return "health-prober"
}

// tick probes every backend of every service and publishes the snapshot.
func (p *Prober) tick(ctx context.Context) {
	services := p.source.ListServices()

	res := Result{
		Services: services,
		Status:   make(map[string]map[string]string, len(services)),
		Healthy:  make(map[string][]config.Backend, len(services)),
	}

	type outcome struct {
		service string
		index   int
		up      bool
	}

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, p.concurrency)
	)
	outcomes := make(chan outcome)

	for _, svc := range services {
		res.Status[svc.Name] = make(map[string]string, len(svc.Servers))
		res.Healthy[svc.Name] = nil

		for i, b := range svc.Servers {
			wg.Add(1)
			svcName, idx, backend := svc.Name, i, b
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				up := false
				err := util.SafeCall(func() error {
					up = p.probe(ctx, backend)
					return nil
				})
				if err != nil {
					p.log.Error().Err(err).Str("backend", backend.Addr()).Msg("probe panicked")
				}
				outcomes <- outcome{service: svcName, index: idx, up: up}
			}()
		}
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Collect per-backend outcomes, preserving configured order for the
	// healthy lists.
	upByService := make(map[string][]bool, len(services))
	for _, svc := range services {
		upByService[svc.Name] = make([]bool, len(svc.Servers))
	}
	for o := range outcomes {
		upByService[o.service][o.index] = o.up
	}

	for _, svc := range services {
		for i, b := range svc.Servers {
			status := StatusDown
			gauge := 0.0
			if upByService[svc.Name][i] {
				status = StatusUp
				gauge = 1.0
				res.Healthy[svc.Name] = append(res.Healthy[svc.Name], b)
			}
			res.Status[svc.Name][b.StatusKey()] = status
			stats.ProbeUp.WithLabelValues(svc.Name, b.Key()).Set(gauge)
		}
	}

	p.mu.Lock()
	p.last = res
	p.mu.Unlock()

	// Latest-wins publish: drop a stale unconsumed result first.
	select {
	case <-p.results:
	default:
	}
	select {
	case p.results <- res:
	default:
	}
}

// probe runs one health check, hard-bounded by the probe timeout.
func (p *Prober) probe(ctx context.Context, b config.Backend) bool {
	start := time.Now()
	defer func() {
		stats.ProbeDuration.Observe(time.Since(start).Seconds())
	}()

	switch b.CheckType {
	case config.CheckHTTP:
		return p.probeHTTP(ctx, b)
	default:
		// tcp, and smpp which is probed as a plain connect.
		return p.probeTCP(b)
	}
}

func (p *Prober) probeTCP(b config.Backend) bool {
	conn, err := net.DialTimeout("tcp", b.Addr(), p.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p *Prober) probeHTTP(ctx context.Context, b config.Backend) bool {
	path := b.HTTPPath
	if path == "" {
		path = config.DefaultHTTPPath
	}
	url := fmt.Sprintf("http://%s%s", b.Addr(), path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
