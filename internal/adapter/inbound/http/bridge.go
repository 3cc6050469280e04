package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrDuplicateID is returned when a request id is already in flight.
var ErrDuplicateID = errors.New("request id already in flight")

// bridge adapts the gateway's stream interface to HTTP request/response
// pairs. Handlers submit newline-framed requests into the gateway's input
// pipe and park on a per-id channel; the gateway's output stream flows back
// through Write, which completes the matching parked handle.
type bridge struct {
	in *io.PipeWriter

	mu      sync.Mutex
	pending map[string]chan []byte
	buf     bytes.Buffer

	logger  *slog.Logger
	metrics *Metrics
}

func newBridge(in *io.PipeWriter, logger *slog.Logger, metrics *Metrics) *bridge {
	return &bridge{
		in:      in,
		pending: make(map[string]chan []byte),
		logger:  logger,
		metrics: metrics,
	}
}

// idKey normalizes a raw JSON-RPC id to a map key. Compacting makes
// `"id": 1` and `"id":1` collide as they should.
func idKey(raw json.RawMessage) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}

// submit sends one request frame downstream and waits for the response
// carrying the same id. The context bounds the wait; on expiry the handle
// is reclaimed so a late response is dropped as an orphan instead of
// leaking the channel.
func (b *bridge) submit(ctx context.Context, frame []byte, key string) ([]byte, error) {
	ch := make(chan []byte, 1)

	b.mu.Lock()
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return nil, ErrDuplicateID
	}
	b.pending[key] = ch
	b.mu.Unlock()

	if err := b.send(frame); err != nil {
		b.reclaim(key)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("gateway shutting down")
		}
		return resp, nil
	case <-ctx.Done():
		b.reclaim(key)
		return nil, ctx.Err()
	}
}

// notify sends a frame that expects no response.
func (b *bridge) notify(frame []byte) error {
	return b.send(frame)
}

func (b *bridge) send(frame []byte) error {
	if _, err := b.in.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write to gateway: %w", err)
	}
	return nil
}

func (b *bridge) reclaim(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

func (b *bridge) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Write receives the gateway's upstream output. Frames are newline-delimited
// but may arrive split across calls, so the bridge buffers until a full
// line is available, then routes it by response id.
func (b *bridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf.Write(p)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf.Bytes(), '\n')
		if idx == -1 {
			break
		}
		line := make([]byte, idx)
		copy(line, b.buf.Bytes()[:idx])
		b.buf.Next(idx + 1)
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	b.mu.Unlock()

	for _, line := range lines {
		b.dispatch(line)
	}
	return len(p), nil
}

func (b *bridge) dispatch(line []byte) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.ID == nil {
		b.logger.Warn("dropping unroutable gateway frame", "frame", truncate(line, 200))
		if b.metrics != nil {
			b.metrics.OrphanFramesTotal.Inc()
		}
		return
	}
	key := idKey(envelope.ID)

	b.mu.Lock()
	ch, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if !ok {
		// Either the caller timed out already or the downstream invented
		// an id. Log and drop.
		b.logger.Warn("orphan response dropped", "id", key)
		if b.metrics != nil {
			b.metrics.OrphanFramesTotal.Inc()
		}
		return
	}
	ch <- line
}

// close fails the input pipe so the gateway sees EOF, and abandons every
// parked handle.
func (b *bridge) close() {
	_ = b.in.Close()
	b.mu.Lock()
	for key, ch := range b.pending {
		close(ch)
		delete(b.pending, key)
	}
	b.mu.Unlock()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
