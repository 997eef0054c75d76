package stream

import (
	"io"
	"sync"
	"time"
)

// Tap is an in-memory pipe whose writer never blocks.
//
// The proxy tees the upstream body into a Tap while copying it to the
// client; a background goroutine reads the Tap to find usage. io.Pipe would
// not work here: its Write blocks until the reader catches up, so a slow
// scanner would stall the client's stream. Tap buffers instead, without a
// bound, and the reader drains it at its own pace.
type Tap struct {
	mu        sync.Mutex
	cond      *sync.Cond
	chunks    []tapChunk
	closed    bool
	err       error
	discarded bool
	arrival   time.Time // arrival of the chunk most recently handed to Read
	now       func() time.Time
}

type tapChunk struct {
	data []byte
	at   time.Time
}

// NewTap returns an empty, open Tap.
func NewTap() *Tap {
	t := &Tap{now: time.Now}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Write queues a copy of p. It never blocks and never fails, so it is safe
// as the side branch of an io.TeeReader: a Tap can't break the main copy.
func (t *Tap) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.discarded {
		return len(p), nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	t.chunks = append(t.chunks, tapChunk{data: buf, at: t.now()})
	t.cond.Signal()
	return len(p), nil
}

// Read blocks until data is queued or the Tap is closed. After Close it
// drains what is left and then returns io.EOF (or the CloseWithError error).
func (t *Tap) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.chunks) == 0 && !t.closed {
		t.cond.Wait()
	}
	if len(t.chunks) == 0 {
		if t.err != nil {
			return 0, t.err
		}
		return 0, io.EOF
	}

	head := &t.chunks[0]
	n := copy(p, head.data)
	t.arrival = head.at
	head.data = head.data[n:]
	if len(head.data) == 0 {
		t.chunks = t.chunks[1:]
	}
	return n, nil
}

// Close marks the end of the stream.
func (t *Tap) Close() error {
	return t.CloseWithError(nil)
}

// CloseWithError ends the stream; once the queue drains Read returns err.
// Only the first call has an effect.
func (t *Tap) CloseWithError(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.err = err
	t.cond.Broadcast()
	return nil
}

// Discard is called by the reader when it stops early. Queued data is
// dropped and later writes are ignored, so an abandoned Tap holds no memory.
func (t *Tap) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discarded = true
	t.chunks = nil
}

// Arrival reports when the bytes most recently returned by Read were
// written. The scanner uses it to time the first token from when it reached
// the gateway, not from when the scanner got around to it.
func (t *Tap) Arrival() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arrival
}
