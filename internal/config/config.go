package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const FileName = "config.yaml"

const (
	DefaultListenAddr     = "127.0.0.1:4242"
	DefaultKeyBits        = 3072
	DefaultLockTimeout    = 10 * time.Second
	DefaultSendTimeout    = 5 * time.Second
	DefaultReceiveTimeout = 10 * time.Second
	DefaultTrustMinimum   = 0.5
	DefaultSnapshotEvery  = 10 * time.Second
	DefaultPeerCap        = 512
	DefaultKeyCacheSize   = 1024
	DefaultMaxConns       = 16
	DefaultMaxStreams     = 128
	DefaultRatePerHost    = 200
	DefaultRateBurst      = 400
	minKeyBits            = 2048
)

type Bootstrap struct {
	ID    string   `yaml:"id"`
	Addrs []string `yaml:"addrs"`
}

type Limits struct {
	MaxConnsPerHost   int     `yaml:"max_conns_per_host"`
	MaxStreamsPerHost int     `yaml:"max_streams_per_host"`
	RatePerHost       float64 `yaml:"rate_per_host"`
	RateBurst         int     `yaml:"rate_burst"`
}

type Persistence struct {
	Peers       bool `yaml:"peers"`
	Messages    bool `yaml:"messages"`
	Assessments bool `yaml:"assessments"`
}

// Config is the on-disk node configuration, kept in <home>/config.yaml.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	PeerID         string        `yaml:"peer_id,omitempty"`
	KeyBits        int           `yaml:"key_bits"`
	Bootstrap      []Bootstrap   `yaml:"bootstrap,omitempty"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	TrustMinimum   float64       `yaml:"trust_minimum"`
	PeerCap        int           `yaml:"peer_cap"`
	KeyCacheSize   int           `yaml:"key_cache_size"`
	Limits         Limits        `yaml:"limits"`
	MetricsAddr    string        `yaml:"metrics_addr,omitempty"`
	// Pprof mounts /debug/pprof/ next to /metrics. The metrics address must then be loopback.
	Pprof          bool          `yaml:"pprof,omitempty"`
	SnapshotEvery  time.Duration `yaml:"snapshot_every"`
	Persistence    Persistence   `yaml:"persistence"`
	DevTLSCAPath   string        `yaml:"devtls_ca_path,omitempty"`
	Debug          bool          `yaml:"debug,omitempty"`
}

func Default() Config {
	return Config{
		ListenAddr:     DefaultListenAddr,
		KeyBits:        DefaultKeyBits,
		LockTimeout:    DefaultLockTimeout,
		SendTimeout:    DefaultSendTimeout,
		ReceiveTimeout: DefaultReceiveTimeout,
		TrustMinimum:   DefaultTrustMinimum,
		PeerCap:        DefaultPeerCap,
		KeyCacheSize:   DefaultKeyCacheSize,
		Limits: Limits{
			MaxConnsPerHost:   DefaultMaxConns,
			MaxStreamsPerHost: DefaultMaxStreams,
			RatePerHost:       DefaultRatePerHost,
			RateBurst:         DefaultRateBurst,
		},
		SnapshotEvery: DefaultSnapshotEvery,
		Persistence:   Persistence{Peers: true, Messages: true, Assessments: true},
	}
}

// fill replaces explicit zero values with defaults.
func (c *Config) fill() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.KeyBits == 0 {
		c.KeyBits = d.KeyBits
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.PeerCap == 0 {
		c.PeerCap = d.PeerCap
	}
	if c.KeyCacheSize == 0 {
		c.KeyCacheSize = d.KeyCacheSize
	}
	if c.Limits.MaxConnsPerHost == 0 {
		c.Limits.MaxConnsPerHost = d.Limits.MaxConnsPerHost
	}
	if c.Limits.MaxStreamsPerHost == 0 {
		c.Limits.MaxStreamsPerHost = d.Limits.MaxStreamsPerHost
	}
	if c.Limits.RatePerHost == 0 {
		c.Limits.RatePerHost = d.Limits.RatePerHost
	}
	if c.Limits.RateBurst == 0 {
		c.Limits.RateBurst = d.Limits.RateBurst
	}
	if c.SnapshotEvery == 0 {
		c.SnapshotEvery = d.SnapshotEvery
	}
}

// Load reads <home>/config.yaml. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(home string) (Config, error) {
	cfg := Default()
	path := filepath.Join(home, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.fill()
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Save(home string) error {
	if err := os.MkdirAll(home, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	path := filepath.Join(home, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ApplyEnv overrides fields from CLARINET_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	str("CLARINET_LISTEN_ADDR", &c.ListenAddr)
	str("CLARINET_PEER_ID", &c.PeerID)
	num("CLARINET_KEY_BITS", &c.KeyBits)
	dur("CLARINET_LOCK_TIMEOUT", &c.LockTimeout)
	dur("CLARINET_SEND_TIMEOUT", &c.SendTimeout)
	dur("CLARINET_RECEIVE_TIMEOUT", &c.ReceiveTimeout)
	float("CLARINET_TRUST_MINIMUM", &c.TrustMinimum)
	str("CLARINET_METRICS_ADDR", &c.MetricsAddr)
	str("CLARINET_DEVTLS_CA_PATH", &c.DevTLSCAPath)
	if v, ok := lookup("CLARINET_BOOTSTRAP"); ok && v != "" {
		boot, err := ParseBootstrap(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("CLARINET_BOOTSTRAP: %w", err))
		} else {
			c.Bootstrap = boot
		}
	}
	if v, ok := lookup("CLARINET_DEBUG"); ok {
		c.Debug = v == "1"
	}
	if v, ok := lookup("CLARINET_PPROF"); ok {
		c.Pprof = v == "1"
	}
	return errs
}

// ParseBootstrap reads a comma separated list of id@addr entries.
func ParseBootstrap(s string) ([]Bootstrap, error) {
	var out []Bootstrap
	index := map[string]int{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, addr, ok := strings.Cut(item, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("bad bootstrap entry %q, want id@host:port", item)
		}
		if i, seen := index[id]; seen {
			out[i].Addrs = append(out[i].Addrs, addr)
			continue
		}
		index[id] = len(out)
		out = append(out, Bootstrap{ID: id, Addrs: []string{addr}})
	}
	return out, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs error
	if c.ListenAddr == "" {
		errs = multierr.Append(errs, errors.New("listen_addr is required"))
	}
	if c.KeyBits < minKeyBits {
		errs = multierr.Append(errs, fmt.Errorf("key_bits %d below minimum %d", c.KeyBits, minKeyBits))
	}
	if c.LockTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("lock_timeout must be positive"))
	}
	if c.SendTimeout <= 0 || c.ReceiveTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("send_timeout and receive_timeout must be positive"))
	}
	if c.TrustMinimum < 0 || c.TrustMinimum > 1 {
		errs = multierr.Append(errs, fmt.Errorf("trust_minimum %v outside [0,1]", c.TrustMinimum))
	}
	if c.Limits.RatePerHost < 0 || c.Limits.RateBurst < 0 || c.Limits.MaxConnsPerHost < 0 || c.Limits.MaxStreamsPerHost < 0 {
		errs = multierr.Append(errs, errors.New("limits must not be negative"))
	}
	if c.MetricsAddr != "" && c.MetricsAddr == c.ListenAddr {
		errs = multierr.Append(errs, errors.New("metrics_addr must differ from listen_addr"))
	}
	if c.Pprof && c.MetricsAddr == "" {
		errs = multierr.Append(errs, errors.New("pprof needs metrics_addr"))
	}
	for _, b := range c.Bootstrap {
		if b.ID == "" || len(b.Addrs) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("bootstrap entry %q needs an id and at least one addr", b.ID))
		}
	}
	return errs
}
