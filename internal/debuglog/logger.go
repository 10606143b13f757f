package debuglog

import (
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	s *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    *zap.SugaredLogger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("CLARINET_DEBUG") == "1"
}

func newCore(w io.Writer) zapcore.Core {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
}

func root() *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = zap.New(newCore(os.Stderr)).Sugar()
	}
	return base
}

// SetOutput redirects all loggers created afterwards. Tests use it to capture output.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	base = zap.New(newCore(w)).Sugar()
	mu.Unlock()
}

func Sync() {
	_ = root().Sync()
}

// With returns a logger that tags every line with the given key/value pairs.
func With(kv ...any) *Logger {
	return &Logger{s: root().With(kv...)}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	if l == nil || l.s == nil {
		return root()
	}
	return l.s
}

func (l *Logger) Logf(format string, args ...any) {
	l.sugar().Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.sugar().Warnf(format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	l.sugar().Debugf(format, args...)
}

func (l *Logger) RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !allow(key, interval) {
		return
	}
	l.sugar().Debugf(format, args...)
}

func Logf(format string, args ...any) {
	root().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	root().Warnf(format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	root().Debugf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !allow(key, interval) {
		return
	}
	root().Debugf(format, args...)
}

func allow(key string, interval time.Duration) bool {
	if !enabled() || key == "" {
		return false
	}
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	if now.Sub(rlLast[key]) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}
