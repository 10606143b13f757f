// internal/store/store.go
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	MaxLinesPerFile       = 100_000
	MaxBytesPerFile int64 = 64 << 20
	MaxRotations          = 3
)

const maxScanSize = 2 << 20

// Journal is an append-only JSONL file with size-based rotation.
// Rotated files are named <path>.1 (newest) through <path>.N (oldest).
type Journal struct {
	mu    sync.Mutex
	path  string
	lines int
	size  int64
}

func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("missing journal path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	j := &Journal{path: path}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		j.lines++
		j.size += int64(len(sc.Bytes())) + 1
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) Path() string {
	return j.path
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Append encodes v as one JSON line and fsyncs it.
func (j *Journal) Append(v any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.needsRotateLocked(int64(buf.Len())) {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := syncFile(f); err != nil {
		return err
	}
	j.lines++
	j.size += int64(buf.Len())
	return nil
}

func (j *Journal) needsRotateLocked(next int64) bool {
	if j.lines == 0 {
		return false
	}
	if MaxLinesPerFile > 0 && j.lines >= MaxLinesPerFile {
		return true
	}
	return MaxBytesPerFile > 0 && j.size+next > MaxBytesPerFile
}

func (j *Journal) rotateLocked() error {
	if MaxRotations <= 0 {
		if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else {
		_ = os.Remove(rotatedPath(j.path, MaxRotations))
		for i := MaxRotations - 1; i >= 1; i-- {
			if err := os.Rename(rotatedPath(j.path, i), rotatedPath(j.path, i+1)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		if err := os.Rename(j.path, rotatedPath(j.path, 1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	syncDir(j.path)
	j.lines = 0
	j.size = 0
	return nil
}

func rotatedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// Scan calls fn for every line, oldest first. Lines fn rejects with ErrSkip are ignored.
func (j *Journal) Scan(fn func(line []byte) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	paths := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		paths = append(paths, rotatedPath(j.path, i))
	}
	paths = append(paths, j.path)
	for _, p := range paths {
		if err := scanFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

// ErrSkip lets a Scan callback drop a malformed line without aborting the scan.
var ErrSkip = errors.New("skip record")

func scanFile(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := newScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(line); err != nil && !errors.Is(err, ErrSkip) {
			return err
		}
	}
	return sc.Err()
}

// ScanJSON decodes every record into a fresh T; undecodable lines are skipped.
func ScanJSON[T any](j *Journal, fn func(T) error) error {
	return j.Scan(func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return ErrSkip
		}
		return fn(rec)
	})
}
