// Package audio adapts synthesized audio between the protocol client and its consumers.
package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned when writing to a stream that has been closed.
var ErrStreamClosed = errors.New("audio stream is closed")

// Stream turns push-delivered audio chunks into a pull-driven byte sequence.
//
// Writes are buffered without bound until the consumer pulls them, so nothing
// written before the first pull is lost. A stream has exactly one consumer; it
// is not restartable and cannot be shared between readers.
type Stream struct {
	mu      sync.Mutex
	chunks  [][]byte
	closed  bool
	err     error
	written int64

	// notify wakes the consumer; capacity 1 so signals coalesce
	notify chan struct{}

	// leftover of a chunk partially consumed through Read
	pending []byte

	contentType string
}

// NewStream creates an empty open stream
func NewStream(contentType string) *Stream {
	return &Stream{
		notify:      make(chan struct{}, 1),
		contentType: contentType,
	}
}

// ContentType returns the MIME type of the audio carried by the stream
func (s *Stream) ContentType() string {
	return s.contentType
}

// Write appends a copy of p to the stream
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	s.chunks = append(s.chunks, chunk)
	s.written += int64(len(p))
	s.signal()

	return len(p), nil
}

// Close marks the end of the stream. The consumer observes io.EOF after
// draining the buffered chunks. Closing twice is a no-op.
func (s *Stream) Close() error {
	return s.CloseWithError(nil)
}

// CloseWithError closes the stream so that the consumer observes err instead
// of io.EOF once the buffered chunks are drained. It is a no-op on a closed stream.
func (s *Stream) CloseWithError(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	s.closed = true
	s.err = err
	s.signal()

	return nil
}

// BytesWritten returns the total number of bytes accepted by Write
func (s *Stream) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Next returns the next chunk in write order, blocking until one is available,
// the stream is closed, or ctx is done.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.chunks) > 0 {
			chunk := s.chunks[0]
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
			s.mu.Unlock()
			return chunk, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read implements io.Reader on top of Next
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(s.pending) == 0 {
		chunk, err := s.Next(context.Background())
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
