package connection

import (
	"errors"
	"sync"

	"clarinet/internal/peer"
)

const (
	modeRead  = "read"
	modeWrite = "write"
)

type handle struct {
	conn    *Connection
	mode    string
	once    sync.Once
	mu      sync.Mutex
	held    bool
	release func()
}

func newHandle(c *Connection, mode string, release func()) *handle {
	return &handle{conn: c, mode: mode, held: true, release: release}
}

func (h *handle) close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.held = false
		h.mu.Unlock()
		h.release()
	})
}

func (h *handle) must(operation string) *Connection {
	h.mu.Lock()
	held := h.held
	h.mu.Unlock()
	if !held {
		panic(&LockError{Operation: operation, Mode: h.mode})
	}
	return h.conn
}

// Reader holds a connection's read lock until Close.
type Reader struct {
	h *handle
}

// Close releases the lock. Calling it more than once is a no-op.
func (r *Reader) Close() {
	if r == nil || r.h == nil {
		return
	}
	r.h.close()
}

func (r *Reader) ID() ID {
	return r.h.must("id").id
}

func (r *Reader) Sender() peer.ID {
	return r.h.must("sender").sender
}

func (r *Reader) Receiver() peer.ID {
	return r.h.must("receiver").receiver
}

func (r *Reader) Witness() (peer.ID, bool) {
	c := r.h.must("witness")
	return c.witness, c.witness != ""
}

func (r *Reader) Status() Status {
	return r.h.must("status").status
}

func (r *Reader) View() View {
	return r.h.must("view").view()
}

func (r *Reader) Participants() []peer.ID {
	return r.View().Participants()
}

// Writer holds a connection's write lock until Close. Its mutators are the only
// way to change a connection, so holding a *Writer is the write permit.
type Writer struct {
	Reader
}

func (w *Writer) SetWitness(witness peer.ID) error {
	c := w.h.must("setWitness")
	if c.witness != "" {
		return &witnessSetError{id: c.id, witness: c.witness}
	}
	if witness == "" {
		return errors.New("empty witness id")
	}
	c.witness = witness
	return nil
}

func (w *Writer) SetStatus(s Status) {
	w.h.must("setStatus").status = s
}

// NextSequenceNumber returns the current counter and advances it.
func (w *Writer) NextSequenceNumber() (uint64, error) {
	c := w.h.must("nextSequenceNumber")
	if c.nextSeq == maxSequence {
		return 0, ErrSequenceOverflow
	}
	n := c.nextSeq
	c.nextSeq++
	return n, nil
}

type witnessSetError struct {
	id      ID
	witness peer.ID
}

func (e *witnessSetError) Error() string {
	return "connection " + e.id.String() + ": witness already set to " + e.witness.String()
}

func (e *witnessSetError) Unwrap() error {
	return ErrUnsupportedOperation
}
