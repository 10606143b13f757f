package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"clarinet/internal/config"
	"clarinet/internal/crypto"
	"clarinet/internal/daemon"
	"clarinet/internal/metrics"
	"clarinet/internal/node"
	"clarinet/internal/peer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "recent":
		return runRecent(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clarinet-node <init|run|id|status|peers|recent> [--home dir] [args]")
	fmt.Fprintln(w, "  init    [--listen ip:port] [--key-bits n]")
	fmt.Fprintln(w, "  run     [--listen ip:port] [--bootstrap id@addr,...] [--metrics ip:port] [--pprof] [--debug]")
	fmt.Fprintln(w, "  id")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  peers")
	fmt.Fprintln(w, "  recent  [--n 20]")
}

func defaultHome() string {
	if h := strings.TrimSpace(os.Getenv("CLARINET_HOME")); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".clarinet")
}

func newFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "node home directory")
	return fs, home
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs, home := newFlags("init", stderr)
	listen := fs.String("listen", "", "listen addr (host:port)")
	bits := fs.Int("key-bits", 0, "RSA key size")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *bits != 0 {
		cfg.KeyBits = *bits
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	if err := cfg.Save(*home); err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	id, err := loadPeerID(*home, cfg, true)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "initialized %s\npeer_id=%s\n", *home, id)
	return 0
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs, home := newFlags("run", stderr)
	listen := fs.String("listen", "", "listen addr (host:port), overrides config")
	boot := fs.String("bootstrap", "", "bootstrap peers as id@addr, comma separated")
	metricsAddr := fs.String("metrics", "", "serve /metrics on this addr")
	pprof := fs.Bool("pprof", false, "serve /debug/pprof/ next to /metrics")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *boot != "" {
		peers, err := config.ParseBootstrap(*boot)
		if err != nil {
			fmt.Fprintf(stderr, "run: --bootstrap: %v\n", err)
			return 1
		}
		cfg.Bootstrap = peers
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *pprof {
		cfg.Pprof = true
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		_ = os.Setenv("CLARINET_DEBUG", "1")
	}
	runner, err := daemon.NewRunner(*home, cfg, daemon.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, ready) }()
	select {
	case addr := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s peer_id=%s\n", addr, runner.Self.ID())
	case err := <-done:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

// loadPeerID reports the configured id, or the one derived from the stored
// key. create generates a missing key.
func loadPeerID(home string, cfg config.Config, create bool) (peer.ID, error) {
	var pub []byte
	var err error
	if create {
		pub, _, err = crypto.LoadOrCreateKeypair(home, cfg.KeyBits)
	} else {
		pub, _, err = crypto.LoadKeypair(home)
	}
	if err != nil {
		return "", err
	}
	if cfg.PeerID != "" {
		return peer.ID(cfg.PeerID), nil
	}
	return node.DerivePeerID(pub), nil
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs, home := newFlags("id", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}
	id, err := loadPeerID(*home, cfg, false)
	if err != nil {
		fmt.Fprintf(stderr, "id: no key in %s (run init first): %v\n", *home, err)
		return 1
	}
	fmt.Fprintln(stdout, id)
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, home := newFlags("status", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	peers, err := openPeers(*home)
	if err != nil {
		fmt.Fprintf(stdout, "status: peers unavailable: %v\n", err)
		return 1
	}
	snap := readMetricsSnapshot(filepath.Join(*home, "metrics.json"))
	fmt.Fprintln(stdout, "Local observation summary:")
	fmt.Fprintf(stdout, "  known peers: %d\n", peers.Len())
	fmt.Fprintf(stdout, "  connections: opened=%d rejected=%d witness_failures=%d closed=%d\n",
		snap.Connections.Opened, snap.Connections.Rejected, snap.Connections.WitnessFailures, snap.Connections.Closed)
	fmt.Fprintf(stdout, "  messages: sent=%d witnessed=%d received=%d forwarded=%d\n",
		snap.Messages.Sent, snap.Messages.Witnessed, snap.Messages.Received, snap.Messages.Forwarded)
	fmt.Fprintf(stdout, "  queries: sent=%d answered=%d forwarded=%d\n",
		snap.Queries.Sent, snap.Queries.Answered, snap.Queries.Forwarded)
	fmt.Fprintf(stdout, "  assessments: reward=%d weak=%d strong=%d\n",
		snap.Assessments.Reward, snap.Assessments.WeakPenalty, snap.Assessments.StrongPenalty)
	return 0
}

func openPeers(home string) (*peer.Store, error) {
	path := filepath.Join(home, "peers.jsonl")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return peer.NewStore(peer.Options{})
	}
	return peer.NewStore(peer.Options{Path: path})
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs, home := newFlags("peers", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	peers, err := openPeers(*home)
	if err != nil {
		fmt.Fprintf(stdout, "peers: unavailable: %v\n", err)
		return 1
	}
	for _, p := range peers.List() {
		if len(p.Addrs) == 0 {
			fmt.Fprintf(stdout, "%s addr=unknown\n", p.ID)
			continue
		}
		fmt.Fprintf(stdout, "%s addr=%s\n", p.ID, strings.Join(p.Addrs, ","))
	}
	return 0
}

func runRecent(args []string, stdout, stderr io.Writer) int {
	fs, home := newFlags("recent", stderr)
	n := fs.Int("n", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	recent := readMetricsSnapshot(filepath.Join(*home, "metrics.json")).Recent
	if *n > 0 && len(recent) > *n {
		recent = recent[len(recent)-*n:]
	}
	for _, h := range recent {
		id := h.Peer
		if len(id) > 8 {
			id = id[:8]
		}
		from := h.From
		if from == "" {
			from = "NONE"
		}
		fmt.Fprintf(stdout, "%s peer=%s message=%s %s->%s\n",
			h.At.Format("2006-01-02T15:04:05Z07:00"), id, h.MessageID, from, h.To)
	}
	return 0
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
