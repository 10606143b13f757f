package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"clarinet/internal/peer"
)

const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	prefixLen := int(n)
	if prefixLen > TypeSniffBytes {
		prefixLen = TypeSniffBytes
	}
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msgType, ok := extractType(prefix)
	if !ok {
		return nil, fmt.Errorf("message too large for type sniff")
	}
	maxSize := 0
	if typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("payload too large for type %s", msgType)
	}

	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

func extractType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if err := dec.Decode(&hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}

// Envelope wraps every request. Type carries the endpoint so frame readers
// can apply per-endpoint size caps before decoding the body.
type Envelope struct {
	Type         Endpoint        `json:"type"`
	ProtoVersion string          `json:"proto_version"`
	Suite        string          `json:"suite"`
	From         peer.ID         `json:"from"`
	FromAddr     string          `json:"from_addr,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
}

func EncodeRequest(endpoint Endpoint, from peer.Peer, body any) ([]byte, error) {
	if !endpoint.Valid() {
		return nil, fmt.Errorf("unknown endpoint %q", endpoint)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
	}
	env := Envelope{
		Type:         endpoint,
		ProtoVersion: ProtoVersion,
		Suite:        Suite,
		From:         from.ID,
		Body:         raw,
	}
	if len(from.Addrs) > 0 {
		env.FromAddr = from.Addrs[0]
	}
	return json.Marshal(env)
}

func DecodeRequest(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("unexpected msg type: %s", env.Type)
	}
	if err := ValidateWireMeta(env.ProtoVersion, env.Suite); err != nil {
		return Envelope{}, err
	}
	if env.From == "" {
		return Envelope{}, fmt.Errorf("%s: missing sender id", env.Type)
	}
	return env, nil
}

// Remote returns the sending peer as the envelope describes it.
func (e Envelope) Remote() peer.Peer {
	p := peer.Peer{ID: e.From}
	if e.FromAddr != "" {
		p.Addrs = []string{e.FromAddr}
	}
	return p
}

func (e Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s: empty body", e.Type)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Type, err)
	}
	return nil
}

const (
	respOK    = "ok"
	respError = "error"
)

type response struct {
	Type  string          `json:"type"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RemoteError is a handler failure reported by the remote node.
type RemoteError struct {
	Endpoint Endpoint
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Endpoint, e.Message)
}

func EncodeResponse(body any) ([]byte, error) {
	r := response{Type: respOK}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r.Body = raw
	}
	return json.Marshal(r)
}

func EncodeError(err error) []byte {
	b, _ := json.Marshal(response{Type: respError, Error: err.Error()})
	return b
}

// DecodeResponse fills v from an ok response, or returns *RemoteError for an
// error response. v may be nil when the body is not needed.
func DecodeResponse(endpoint Endpoint, data []byte, v any) error {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	switch r.Type {
	case respError:
		return &RemoteError{Endpoint: endpoint, Message: r.Error}
	case respOK:
	default:
		return fmt.Errorf("unexpected response type: %s", r.Type)
	}
	if v == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s response body: %w", endpoint, err)
	}
	return nil
}
