package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"clarinet/internal/debuglog"
	"clarinet/internal/proto"
)

const (
	alpn                 = "clarinet"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	DefaultMaxConnsPerHost   = 16
	DefaultMaxStreamsPerHost = 128
	DefaultRatePerHost       = 200
	DefaultRateBurst         = 400
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is deterministic so every node trusts the same dev CA.
// Peer authenticity comes from message signatures, not from TLS.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("clarinet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// clientTLSConfig trusts the dev CA, or the PEM at caPath (overridden by
// CLARINET_DEVTLS_CA_PATH) when one is given.
func clientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	if env := os.Getenv("CLARINET_DEVTLS_CA_PATH"); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read dev tls ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("dev tls ca: no certificates")
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpn},
	}, nil
}

// WriteDevCA writes the dev CA certificate as PEM.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600)
}

type QUICOptions struct {
	ListenAddr string
	// Insecure skips server certificate verification when dialing.
	Insecure          bool
	DevTLSCAPath      string
	MaxConnsPerHost   int
	MaxStreamsPerHost int
	RatePerHost       float64
	RateBurst         int
	IdleTimeout       time.Duration
	// OnReject is called with the remote host whenever a connection or
	// stream is refused by a limit.
	OnReject func(host string)
}

// QUIC is a Transport carrying one length-prefixed request per stream.
type QUIC struct {
	opts     QUICOptions
	clientTL *tls.Config
	quicConf *quic.Config
	pool     *clientPool

	mu       sync.Mutex
	listener *quic.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	limits   *ipLimiter
	rates    *hostRateLimiter
}

var _ Transport = (*QUIC)(nil)

func NewQUIC(opts QUICOptions) (*QUIC, error) {
	if opts.MaxConnsPerHost == 0 {
		opts.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if opts.MaxStreamsPerHost == 0 {
		opts.MaxStreamsPerHost = DefaultMaxStreamsPerHost
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = DefaultRatePerHost
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = DefaultRateBurst
	}
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	return &QUIC{
		opts:     opts,
		clientTL: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		pool:   newClientPool(opts.IdleTimeout),
		limits: newIPLimiter(opts.MaxConnsPerHost, opts.MaxStreamsPerHost),
		rates:  newHostRateLimiter(opts.RatePerHost, opts.RateBurst),
	}, nil
}

func (q *QUIC) Listen(h Handler) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener != nil {
		return errors.New("quic: already listening")
	}
	listener, err := quic.ListenAddr(q.opts.ListenAddr, tlsConf, q.quicConf)
	if err != nil {
		debuglog.Warnf("quic listen error: %v", err)
		return err
	}
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	ctx, cancel := context.WithCancel(context.Background())
	q.listener = listener
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.acceptLoop(ctx, listener, h)
	}()
	return nil
}

// Addrs reports the bound listen address, or nothing before Listen.
func (q *QUIC) Addrs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener == nil {
		return nil
	}
	return []string{q.listener.Addr().String()}
}

func (q *QUIC) Close() error {
	q.mu.Lock()
	listener, cancel := q.listener, q.cancel
	q.listener, q.cancel = nil, nil
	q.mu.Unlock()
	q.pool.closeAll()
	if listener == nil {
		return nil
	}
	cancel()
	err := listener.Close()
	q.wg.Wait()
	return err
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (q *QUIC) reject(host string) {
	if q.opts.OnReject != nil {
		q.opts.OnReject(host)
	}
}

func (q *QUIC) acceptLoop(ctx context.Context, listener *quic.Listener, h Handler) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				debuglog.Warnf("quic accept error: %v", err)
			}
			return
		}
		host := hostOf(conn.RemoteAddr())
		if !q.limits.acquireConn(host) {
			debuglog.RateLimitedf("quic-conn-cap:"+host, 10*time.Second, "quic: connection cap reached for %s", host)
			q.reject(host)
			_ = conn.CloseWithError(1, "connection limit")
			continue
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.limits.releaseConn(host)
			q.serveConn(ctx, conn, host, h)
		}()
	}
}

func (q *QUIC) serveConn(ctx context.Context, conn *quic.Conn, host string, h Handler) {
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream from %s: %v", remote, err)
			return
		}
		if !q.rates.allow(host, time.Now()) || !q.limits.acquireStream(host) {
			debuglog.RateLimitedf("quic-stream-cap:"+host, 10*time.Second, "quic: dropping stream from %s: rate or stream limit", host)
			q.reject(host)
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		q.wg.Add(1)
		go func(s *quic.Stream) {
			defer q.wg.Done()
			defer q.limits.releaseStream(host)
			q.serveStream(ctx, s, remote, h)
		}(stream)
	}
}

func (q *QUIC) serveStream(ctx context.Context, s *quic.Stream, remote string, h Handler) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(streamRWTimeout))
	payload, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		debuglog.Debugf("quic read from %s: %v", remote, err)
		s.CancelRead(1)
		return
	}
	resp := h(ctx, remote, payload)
	if resp == nil {
		return
	}
	if err := writeFrameWithTimeout(s, streamRWTimeout, resp); err != nil {
		// The caller may have sent fire-and-forget and stopped reading.
		debuglog.Debugf("quic reply to %s: %v", remote, err)
	}
}

func writeFrameWithTimeout(s *quic.Stream, d time.Duration, payload []byte) error {
	_ = s.SetWriteDeadline(time.Now().Add(d))
	defer func() { _ = s.SetWriteDeadline(time.Time{}) }()
	return proto.WriteFrame(s, payload)
}

func readFrameWithTimeout(s *quic.Stream, d time.Duration) ([]byte, error) {
	_ = s.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = s.SetReadDeadline(time.Time{}) }()
	return proto.ReadFrame(s)
}
