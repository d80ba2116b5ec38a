package brook

import (
	"context"
	"io"
)

// streamReader adapts a Stream to io.ReadCloser.
type streamReader struct {
	ctx context.Context
	s   *Stream
	buf []byte
	err error
}

// NewStreamReader wraps a stream in an io.ReadCloser so consumers can use
// io.Copy and friends. The context bounds every chunk fetch made on the
// reader's behalf.
//
// Close cancels the stream and waits for its shutdown to complete; it
// returns the resource-close failure, if any.
func NewStreamReader(ctx context.Context, s *Stream) io.ReadCloser {
	return &streamReader{ctx: ctx, s: s}
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		unit, err := r.s.Next(r.ctx)
		if err != nil {
			r.err = err
			return 0, err
		}
		r.buf = unit
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *streamReader) Close() error {
	r.s.Cancel(nil)
	<-r.s.Done()
	if r.err == nil {
		r.err = ErrStreamClosed
	}
	_, closeErr := r.s.CloseInfo()
	return closeErr
}
