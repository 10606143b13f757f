package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
)

// Register mounts the runtime profiling endpoints under /debug/pprof/.
// Nothing is added to http.DefaultServeMux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// CheckBind refuses to expose profiling on a non-loopback address.
func CheckBind(addr string) error {
	if !isLoopbackBind(addr) {
		return fmt.Errorf("pprof needs a loopback address, got %s", addr)
	}
	return nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
