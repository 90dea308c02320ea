package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/meshd-io/meshd/pkg/config"
	"github.com/meshd-io/meshd/pkg/metrics"
	"github.com/meshd-io/meshd/pkg/routing"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	probeTimeout = 500 * time.Millisecond
	maxProbes    = 20
)

// Scanner sweeps the local /24 subnets for nodes answering on the mesh
// port and feeds hits into the router's neighbor set.
type Scanner struct {
	router   *routing.Router
	nodeIP   func() string
	port     int
	interval time.Duration
	sem      *semaphore.Weighted

	// onDiscover fires once per sweep that found at least one new peer,
	// typically wired to an immediate routing advertisement.
	onDiscover func()

	// dial is swapped out by tests.
	dial func(addr string, timeout time.Duration) (net.Conn, error)
}

// NewScanner builds a Scanner probing port on every candidate subnet.
func NewScanner(router *routing.Router, nodeIP func() string, port int, onDiscover func()) *Scanner {
	return &Scanner{
		router:     router,
		nodeIP:     nodeIP,
		port:       port,
		interval:   config.DiscoveryInterval,
		sem:        semaphore.NewWeighted(maxProbes),
		onDiscover: onDiscover,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

// Run sweeps immediately and then on every discovery interval until the
// context is done.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("Stopped peer discovery")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep probes every candidate subnet once and returns how many new
// neighbors were found.
func (s *Scanner) Sweep(ctx context.Context) int {
	self := s.nodeIP()
	subnets := candidateSubnets(append(localAddresses(), net.ParseIP(self)))

	found := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, subnet := range subnets {
		logrus.Debugf("Scanning subnet %s", subnet)
		for _, ip := range hostsIn(subnet) {
			if ip == self {
				continue
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return found
			}
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				defer s.sem.Release(1)
				if s.Probe(ip) {
					mu.Lock()
					found++
					mu.Unlock()
				}
			}(ip)
		}
	}
	wg.Wait()

	if found > 0 {
		logrus.Infof("Discovered %d new peers", found)
		if s.onDiscover != nil {
			s.onDiscover()
		}
	}
	return found
}

// Probe attempts one TCP connect. A successful connect adds the IP to the
// neighbor set; the return value reports whether the neighbor was new.
func (s *Scanner) Probe(ip string) bool {
	conn, err := s.dial(net.JoinHostPort(ip, strconv.Itoa(s.port)), probeTimeout)
	if err != nil {
		metrics.ProbeResults.WithLabelValues("miss").Inc()
		return false
	}
	conn.Close()
	metrics.ProbeResults.WithLabelValues("hit").Inc()
	return s.router.AddNeighbor(ip)
}
