// Package nat classifies local NAT behavior by comparing STUN binding
// responses from multiple servers.
package nat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Classification is one of the six NAT behaviors the detector distinguishes.
type Classification string

const (
	ClassOpen            Classification = "open"
	ClassFullCone        Classification = "full_cone"
	ClassRestrictedCone  Classification = "restricted_cone"
	ClassPortRestricted  Classification = "port_restricted"
	ClassSymmetric       Classification = "symmetric"
	ClassUnknown         Classification = "unknown"
)

// StunServer is the address of a STUN server to probe.
type StunServer struct {
	Addr string
}

// Prober issues a single STUN binding request against server and returns
// the address the server observed for this client. Implementations wrap
// the RFC 5389 wire protocol; the detector only consumes the result.
type Prober interface {
	Bind(ctx context.Context, server StunServer, localPort int) (mappedAddr string, mappedPort int, err error)

	// ProbeFiltering sends a binding request carrying a CHANGE-REQUEST
	// attribute asking server to reply from a different IP (changeIP)
	// and/or a different port (changePort) than the one the request was
	// sent to. It reports whether a response arrived within the probe's
	// deadline, which is how endpoint-independent, address-restricted, and
	// port-restricted filtering are told apart.
	ProbeFiltering(ctx context.Context, server StunServer, localPort int, changeIP, changePort bool) (responded bool, err error)
}

// Result is the outcome of a classification pass.
type Result struct {
	Classification            Classification
	LocalAddr                 string
	LocalPort                 int
	ExternalAddr              string
	ExternalPort              int
	PortMappingConsistent     bool
	EndpointIndependentFilter bool
	Confidence                float64
	Servers                   []string
	Duration                  time.Duration
	DetectedAt                time.Time
}

// DetectorConfig tunes caching and dedup behavior.
type DetectorConfig struct {
	CacheTTL time.Duration
}

// Detector classifies local NAT behavior, caching results per local port.
type Detector struct {
	mu       sync.Mutex
	prober   Prober
	cfg      DetectorConfig
	logger   *zap.Logger
	cache    map[int]cachedResult
	inflight map[int]*inflightDetection
}

type cachedResult struct {
	result    Result
	expiresAt time.Time
}

type inflightDetection struct {
	done chan struct{}
	result Result
	err    error
}

// NewDetector creates a detector that issues probes via prober.
func NewDetector(prober Prober, cfg DetectorConfig, logger *zap.Logger) *Detector {
	return &Detector{
		prober:   prober,
		cfg:      cfg,
		logger:   logger,
		cache:    make(map[int]cachedResult),
		inflight: make(map[int]*inflightDetection),
	}
}

// Classify probes servers (at least 2 recommended) bound to localPort and
// local address, and classifies the NAT. Concurrent calls for the same
// localPort are deduplicated onto a single in-flight detection.
func (d *Detector) Classify(ctx context.Context, localAddr string, localPort int, servers []StunServer) (Result, error) {
	d.mu.Lock()
	if cached, ok := d.cache[localPort]; ok && time.Now().Before(cached.expiresAt) {
		d.mu.Unlock()
		return cached.result, nil
	}
	if inflight, ok := d.inflight[localPort]; ok {
		d.mu.Unlock()
		<-inflight.done
		return inflight.result, inflight.err
	}
	inflight := &inflightDetection{done: make(chan struct{})}
	d.inflight[localPort] = inflight
	d.mu.Unlock()

	result, err := d.classifyUncached(ctx, localAddr, localPort, servers)

	d.mu.Lock()
	inflight.result = result
	inflight.err = err
	close(inflight.done)
	delete(d.inflight, localPort)
	if err == nil && d.cfg.CacheTTL > 0 {
		d.cache[localPort] = cachedResult{result: result, expiresAt: time.Now().Add(d.cfg.CacheTTL)}
	}
	d.mu.Unlock()

	return result, err
}

type observation struct {
	server      StunServer
	mappedAddr  string
	mappedPort  int
}

func (d *Detector) classifyUncached(ctx context.Context, localAddr string, localPort int, servers []StunServer) (Result, error) {
	started := time.Now()
	if len(servers) == 0 {
		return Result{}, fmt.Errorf("nat: at least one stun server required")
	}

	observations := make([]observation, 0, len(servers))
	serverNames := make([]string, 0, len(servers))
	for _, srv := range servers {
		mappedAddr, mappedPort, err := d.prober.Bind(ctx, srv, localPort)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("stun binding failed", zap.String("server", srv.Addr), zap.Error(err))
			}
			continue
		}
		observations = append(observations, observation{server: srv, mappedAddr: mappedAddr, mappedPort: mappedPort})
		serverNames = append(serverNames, srv.Addr)
	}

	if len(observations) == 0 {
		return Result{
			Classification: ClassUnknown,
			LocalAddr:       localAddr,
			LocalPort:       localPort,
			Confidence:      0,
			Servers:         serverNames,
			Duration:        time.Since(started),
			DetectedAt:      time.Now(),
		}, nil
	}

	classification, consistent, endpointIndependent := classify(ctx, d.prober, localAddr, localPort, observations)
	confidence := confidenceFor(len(observations), len(servers))

	return Result{
		Classification:            classification,
		LocalAddr:                 localAddr,
		LocalPort:                 localPort,
		ExternalAddr:               observations[0].mappedAddr,
		ExternalPort:               observations[0].mappedPort,
		PortMappingConsistent:     consistent,
		EndpointIndependentFilter: endpointIndependent,
		Confidence:                confidence,
		Servers:                   serverNames,
		Duration:                  time.Since(started),
		DetectedAt:                time.Now(),
	}, nil
}

func classify(ctx context.Context, prober Prober, localAddr string, localPort int, obs []observation) (Classification, bool, bool) {
	for _, o := range obs {
		if o.mappedAddr == localAddr && o.mappedPort == localPort {
			return ClassOpen, true, true
		}
	}

	if len(obs) < 2 {
		return ClassUnknown, false, false
	}

	firstPort := obs[0].mappedPort
	allSamePort := true
	for _, o := range obs[1:] {
		if o.mappedPort != firstPort {
			allSamePort = false
			break
		}
	}

	if !allSamePort {
		return ClassSymmetric, false, false
	}

	// Mapping is consistent across destinations, so this is some cone type.
	// Distinguish Full Cone / Restricted Cone / Port Restricted Cone by how
	// the NAT filters unsolicited inbound traffic: ask the primary server to
	// reply from a changed IP+port, then (if that's filtered) a changed port
	// only, per the classic CHANGE-REQUEST filtering test.
	primary := obs[0].server
	if responded, err := prober.ProbeFiltering(ctx, primary, localPort, true, true); err == nil && responded {
		return ClassFullCone, true, true
	}
	if responded, err := prober.ProbeFiltering(ctx, primary, localPort, false, true); err == nil && responded {
		return ClassRestrictedCone, true, false
	}
	return ClassPortRestricted, true, false
}

func confidenceFor(observed, requested int) float64 {
	if requested == 0 {
		return 0
	}
	c := float64(observed) / float64(requested)
	if c > 1 {
		c = 1
	}
	return c
}
