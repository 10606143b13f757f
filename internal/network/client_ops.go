package network

import (
	"context"
	"errors"
	"fmt"

	quic "github.com/quic-go/quic-go"
)

// Send writes payload on a fresh stream and stops reading, so any reply is discarded.
func (q *QUIC) Send(ctx context.Context, addr string, payload []byte) error {
	_, err := q.roundTrip(ctx, addr, payload, false)
	return err
}

func (q *QUIC) Exchange(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	return q.roundTrip(ctx, addr, payload, true)
}

// roundTrip retries connection-level failures with backoff. Once a request
// has been written it is never replayed, because the remote may already
// have acted on it.
func (q *QUIC) roundTrip(ctx context.Context, addr string, payload []byte, wantReply bool) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		conn, err := q.pool.get(ctx, addr, q.clientTL, q.quicConf)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w: %v", addr, ErrUnreachable, err)
			if !backoffRetry(ctx, q.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			lastErr = err
			q.pool.drop(addr, conn, "open stream failed")
			if !backoffRetry(ctx, q.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		resp, err := q.useStream(addr, conn, stream, payload, wantReply)
		if err == nil {
			q.pool.resetFailures(addr)
		}
		return resp, err
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return nil, lastErr
}

func (q *QUIC) useStream(addr string, conn *quic.Conn, stream *quic.Stream, payload []byte, wantReply bool) ([]byte, error) {
	if err := writeFrameWithTimeout(stream, streamRWTimeout, payload); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		q.pool.drop(addr, conn, "write failed")
		return nil, err
	}
	// Closing the send side tells the server the request is complete.
	if err := stream.Close(); err != nil {
		return nil, err
	}
	if !wantReply {
		stream.CancelRead(0)
		q.pool.touch(addr, conn)
		return nil, nil
	}
	resp, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		stream.CancelRead(0)
		return nil, fmt.Errorf("%s: %w: %v", addr, ErrNoReply, err)
	}
	q.pool.touch(addr, conn)
	return resp, nil
}
