// Package service contains the core gateway orchestration.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chimera-gate/chimeragate/internal/domain/attacklog"
	"github.com/chimera-gate/chimeragate/internal/domain/proxy"
	"github.com/chimera-gate/chimeragate/internal/domain/sanitize"
	"github.com/chimera-gate/chimeragate/internal/port/outbound"
)

// Gateway owns the downstream subprocess lifecycle and runs the two
// forwarding loops: upstream to downstream through the interceptor, and
// downstream to upstream through the sanitizer.
type Gateway struct {
	server      outbound.ToolServer
	interceptor *proxy.Interceptor
	sanitizer   *sanitize.Sanitizer
	attacks     *attacklog.Logger
	logger      *slog.Logger
}

// NewGateway creates a gateway over the given collaborators. attacks may be
// nil when shadow capture is disabled.
func NewGateway(server outbound.ToolServer, interceptor *proxy.Interceptor, sanitizer *sanitize.Sanitizer, attacks *attacklog.Logger, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		server:      server,
		interceptor: interceptor,
		sanitizer:   sanitizer,
		attacks:     attacks,
		logger:      logger,
	}
}

// syncWriter serializes writes from the two forwarding goroutines onto the
// upstream writer. Each message and its framing newline go out as one
// locked sequence so frames never interleave.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	_, err := s.w.Write([]byte{'\n'})
	return err
}

// Run starts the downstream server and proxies until either side closes or
// the context is cancelled. On shutdown the downstream gets a grace period
// to exit and pending attack captures are flushed.
func (g *Gateway) Run(ctx context.Context, upIn io.Reader, upOut io.Writer) error {
	serverIn, serverOut, err := g.server.Start(ctx)
	if err != nil {
		return fmt.Errorf("start downstream server: %w", err)
	}
	defer func() {
		_ = g.server.Close()
		if g.attacks != nil {
			g.attacks.Close()
		}
	}()

	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	out := &syncWriter{w: upOut}
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// Upstream -> downstream: every frame runs the interception pipeline.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = serverIn.Close() }() // EOF to the server when upstream closes
		if err := g.copyUpToDown(ctx, upIn, serverIn, out); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("upstream->downstream: %w", err)
			}
		}
		g.logger.Debug("upstream->downstream loop finished")
	}()

	// Downstream -> upstream: every frame is sanitized.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.copyDownToUp(ctx, serverOut, out); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("downstream->upstream: %w", err)
			}
		}
		g.logger.Debug("downstream->upstream loop finished")
		cancel() // server side closed, stop everything
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case err := <-errCh:
		cancel()
		<-done
		return err
	}

	if err := g.server.Wait(); err != nil && parentCtx.Err() == nil {
		g.logger.Debug("downstream server exited", "error", err)
	}
	return parentCtx.Err()
}

func newFrameScanner(src io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)
	return scanner
}

func (g *Gateway) copyUpToDown(ctx context.Context, upIn io.Reader, serverIn io.Writer, out *syncWriter) error {
	scanner := newFrameScanner(upIn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		raw := append([]byte(nil), scanner.Bytes()...)
		if len(raw) == 0 {
			continue
		}

		result := g.interceptor.Process(ctx, raw)

		if result.Reply != nil {
			if err := out.writeLine(result.Reply); err != nil {
				return fmt.Errorf("write denial upstream: %w", err)
			}
			continue
		}
		if result.Forward == nil {
			continue
		}

		if _, err := serverIn.Write(append(result.Forward, '\n')); err != nil {
			return fmt.Errorf("write downstream: %w", err)
		}

		g.logger.Debug("forwarded downstream",
			"route", string(result.Route),
			"latency_us", time.Since(start).Microseconds(),
		)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read upstream: %w", err)
	}
	return nil
}

func (g *Gateway) copyDownToUp(ctx context.Context, serverOut io.Reader, out *syncWriter) error {
	scanner := newFrameScanner(serverOut)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		cleaned := g.sanitizer.Sanitize(line)
		if cleaned != line {
			g.logger.Warn("sanitized downstream response")
		}
		if err := out.writeLine([]byte(cleaned)); err != nil {
			return fmt.Errorf("write upstream: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read downstream: %w", err)
	}
	return nil
}
