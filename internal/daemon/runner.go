package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"clarinet/internal/config"
	"clarinet/internal/debuglog"
	"clarinet/internal/metrics"
	"clarinet/internal/network"
	"clarinet/internal/node"
	"clarinet/internal/peer"
	"clarinet/internal/pprofutil"
	"clarinet/internal/reputation"
)

const snapshotFile = "metrics.json"

// Runner owns a node and the background services around it: peer
// discovery, the metrics snapshot file and the optional HTTP endpoint.
type Runner struct {
	Home    string
	Config  config.Config
	Self    *node.Node
	Metrics *metrics.Metrics

	snapPath  string
	discovery *discovery

	mu          sync.RWMutex
	metricsAddr string
}

type Options struct {
	// Transport replaces the QUIC transport built from the config.
	Transport network.Transport
	Metrics   *metrics.Metrics
	Hooks     node.Hooks
}

func NewRunner(home string, cfg config.Config, opts Options) (*Runner, error) {
	if home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	tr := opts.Transport
	if tr == nil {
		q, err := network.NewQUIC(network.QUICOptions{
			ListenAddr:        cfg.ListenAddr,
			DevTLSCAPath:      cfg.DevTLSCAPath,
			MaxConnsPerHost:   cfg.Limits.MaxConnsPerHost,
			MaxStreamsPerHost: cfg.Limits.MaxStreamsPerHost,
			RatePerHost:       cfg.Limits.RatePerHost,
			RateBurst:         cfg.Limits.RateBurst,
			OnReject: func(host string) {
				m.IncTransportRejected()
				debuglog.RateLimitedf("reject:"+host, 10*time.Second, "refused inbound from %s", host)
			},
		})
		if err != nil {
			return nil, err
		}
		tr = q
	}
	self, err := node.New(node.Options{
		Home: home,
		Persist: node.Persistence{
			Peers:       cfg.Persistence.Peers,
			Messages:    cfg.Persistence.Messages,
			Assessments: cfg.Persistence.Assessments,
		},
		PeerID:    peer.ID(cfg.PeerID),
		KeyBits:   cfg.KeyBits,
		Transport: tr,
		TransportOptions: network.Options{
			SendTimeout:    cfg.SendTimeout,
			ReceiveTimeout: cfg.ReceiveTimeout,
		},
		LockTimeout:  cfg.LockTimeout,
		PeerCap:      cfg.PeerCap,
		KeyCacheSize: cfg.KeyCacheSize,
		TrustFilter:  reputation.MinAndStandardDeviation(cfg.TrustMinimum),
		Metrics:      m,
		Hooks:        opts.Hooks,
	})
	if err != nil {
		return nil, err
	}
	return &Runner{
		Home:      home,
		Config:    cfg,
		Self:      self,
		Metrics:   m,
		snapPath:  filepath.Join(home, snapshotFile),
		discovery: newDiscovery(self, cfg.Bootstrap, 0),
	}, nil
}

// Run serves the node until ctx is done. The first listen address is sent on
// ready once the transport accepts requests.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if err := r.Self.Listen(); err != nil {
		return err
	}
	debuglog.Logf("node %s listening on %v", r.Self.ID(), r.Self.Addrs())

	var srv *http.Server
	if r.Config.MetricsAddr != "" {
		var err error
		if srv, err = r.startHTTP(); err != nil {
			_ = r.Self.Shutdown()
			return err
		}
	}
	if ready != nil {
		var addr string
		if addrs := r.Self.Addrs(); len(addrs) > 0 {
			addr = addrs[0]
		}
		select {
		case ready <- addr:
		default:
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.discovery.run(gctx) })
	g.Go(func() error { return r.writeSnapshots(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		var errs []error
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, srv.Shutdown(sctx))
			cancel()
		}
		errs = append(errs, r.Self.Shutdown())
		return errors.Join(errs...)
	})
	err := g.Wait()
	if snapErr := r.Metrics.WriteSnapshot(r.snapPath); snapErr != nil {
		debuglog.Warnf("final snapshot: %v", snapErr)
	}
	debuglog.Sync()
	return err
}

func (r *Runner) writeSnapshots(ctx context.Context) error {
	interval := r.Config.SnapshotEvery
	if interval <= 0 {
		interval = config.DefaultSnapshotEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
				debuglog.RateLimitedf("snapshot", time.Minute, "write snapshot: %v", err)
			}
		}
	}
}

func (r *Runner) startHTTP() (*http.Server, error) {
	handler, err := r.Metrics.Handler()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	if r.Config.Pprof {
		if err := pprofutil.CheckBind(r.Config.MetricsAddr); err != nil {
			return nil, err
		}
		pprofutil.Register(mux)
	}
	ln, err := net.Listen("tcp", r.Config.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	r.mu.Lock()
	r.metricsAddr = ln.Addr().String()
	r.mu.Unlock()
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debuglog.Warnf("metrics server: %v", err)
		}
	}()
	debuglog.Logf("metrics on http://%s/metrics", ln.Addr())
	return srv, nil
}

// MetricsAddr is the bound metrics address, empty when metrics are off or
// before Run.
func (r *Runner) MetricsAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metricsAddr
}

// SnapshotPath is where Run keeps the JSON metrics snapshot.
func (r *Runner) SnapshotPath() string {
	return r.snapPath
}
