package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/chimera-gate/chimeragate/internal/domain/proxy"
)

// codeParseError is the JSON-RPC parse error code.
const codeParseError = -32700

// Serve reads newline-framed requests until EOF or context cancellation.
// Responses go out in request order; the loop is deliberately serial so the
// latency jitter applies per request.
func (b *Backend) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			b.logger.Warn("unparsable frame", "error", err)
			reply := proxy.CreateJSONRPCError(nil, codeParseError, "parse error")
			if err := writeFrame(out, reply); err != nil {
				return err
			}
			continue
		}

		resp := b.HandleRequest(ctx, req)
		frame, err := json.Marshal(resp)
		if err != nil {
			b.logger.Error("response encode failed", "error", err)
			continue
		}
		if err := writeFrame(out, frame); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func writeFrame(out io.Writer, frame []byte) error {
	if _, err := out.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
