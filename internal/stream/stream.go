// Package stream extracts token usage from upstream responses and relays
// streamed bodies to the client without holding them back.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// relayBufferSize is small on purpose: SSE events are usually a few
// hundred bytes, and every read is flushed to the client immediately.
const relayBufferSize = 4 << 10

// Relay copies an upstream streaming body to the client, flushing after
// every read so tokens reach the client as soon as the upstream sends them.
//
// Headers and the status line must already be written by the caller; the
// upstream response is relayed verbatim, including its own SSE framing.
func Relay(w http.ResponseWriter, body io.Reader) error {
	// --- Step 1: Assert that the ResponseWriter supports flushing ---
	//
	// w.(http.Flusher) is a "type assertion": it checks at runtime whether
	// the value behind the interface also implements Flush(). The two-value
	// form doesn't panic when it fails. Without a flusher we still copy,
	// the client just sees bytes in bigger batches.
	flusher, canFlush := w.(http.Flusher)

	// --- Step 2: Copy, flushing after every read ---
	//
	// io.Copy would buffer up to 32KB before writing, which is exactly what
	// we don't want for token-by-token delivery.
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing to client: %w", err)
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			// We've already started writing the response (headers sent),
			// so we can't change the status code. The client will see the
			// stream end early.
			return fmt.Errorf("reading upstream stream: %w", readErr)
		}
	}
}
