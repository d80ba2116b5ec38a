package brook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// streamState is the lifecycle of a stream. Transitions are one-way:
// active -> closed, or active -> destroyed -> closed.
type streamState int

const (
	stateActive streamState = iota
	stateDestroyed
	stateClosed
)

// noChunkRead marks that no chunk has been fully handed to the consumer yet.
const noChunkRead = int64(-1)

// -----------------------------------------------------------------------------
// Stream Configuration
// -----------------------------------------------------------------------------

// streamConfig holds the resolved configuration for a stream.
type streamConfig struct {
	autoClose bool
}

// StreamOption configures New.
type StreamOption func(*streamConfig)

// WithAutoClose makes shutdown release the backing handle: when the
// stream ends (exhaustion, error, or Cancel) and the file was opened with
// ModeWrite, File.Close runs before the close signal. Default: off.
func WithAutoClose() StreamOption {
	return func(cfg *streamConfig) {
		cfg.autoClose = true
	}
}

// -----------------------------------------------------------------------------
// Stream
// -----------------------------------------------------------------------------

// Stream reads a chunked object sequentially through a pull interface.
//
// Each call to Next produces one unit of data: the unread remainder of the
// currently loaded chunk, minus a one-time leading skip when the stream
// starts mid-chunk. Chunks are fetched strictly one at a time, in order.
//
// A stream is permanently inert after shutdown, which happens exactly once:
// on exhaustion, on the first fetch failure, or on Cancel. The Done channel
// closes when shutdown completes; it never closes twice and is never
// skipped.
//
// Next must be called from one goroutine at a time. Cancel may be called
// from any goroutine at any time, including while a fetch is in flight.
type Stream struct {
	file      *File
	autoClose bool

	// lifetime context; cancelled on Cancel so an in-flight fetch unblocks.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    streamState
	total    int64 // chunks the object spans; fixed
	chunk    int64 // index of the loaded chunk; +1 per advance
	skip     int64 // leading bytes of the first consumed chunk to drop
	lastRead int64 // index of the last fully consumed chunk
	fetching bool  // single-flight fetch guard
	termErr  error // terminal error; nil on clean exhaustion

	done      chan struct{}
	closeOnce sync.Once
	closeDoc  *Manifest
	closeErr  error
}

// New creates a stream over an open file handle. The handle's loaded chunk
// must contain the handle's start position; a handle that violates that is
// rejected with an error wrapping ErrBadPosition.
//
// New performs no I/O.
func New(file *File, opts ...StreamOption) (*Stream, error) {
	if file == nil {
		return nil, errors.New("brook: file is required")
	}

	cfg := &streamConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	chunk := file.Current().Index()
	skip := file.Position() - chunk*file.ChunkSize()
	if skip < 0 || skip >= file.ChunkSize() {
		return nil, fmt.Errorf("brook: loaded chunk %d does not contain position %d: %w",
			chunk, file.Position(), ErrBadPosition)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		file:      file,
		autoClose: cfg.autoClose,
		ctx:       ctx,
		cancel:    cancel,
		state:     stateActive,
		total:     file.Manifest().TotalChunks(),
		chunk:     chunk,
		skip:      skip,
		lastRead:  noChunkRead,
		done:      make(chan struct{}),
	}, nil
}

// Next returns the next unit of data, fetching the next chunk first when
// the loaded one is exhausted. It blocks while a fetch is in flight.
//
// After the final unit, Next returns io.EOF. After a fetch failure, every
// call returns that failure. After Cancel, calls return the cancellation
// error, or ErrStreamClosed when Cancel was given none. A ctx error during
// a fetch is terminal for the stream.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.state != stateActive {
			err := s.terminalLocked()
			s.mu.Unlock()
			return nil, err
		}
		if s.chunk > s.total {
			// Unreachable once exhaustion shutdown fires; fail safe.
			s.mu.Unlock()
			s.shutdown(nil)
			return nil, io.EOF
		}
		s.mu.Unlock()

		unit, err := s.produceNext(ctx)
		if err != nil {
			if errors.Is(err, ErrConcurrentRead) {
				// Caller misuse; the stream itself is still intact.
				return nil, err
			}
			s.shutdown(err)
			return nil, err
		}

		s.mu.Lock()
		exhausted := s.chunk >= s.total
		s.mu.Unlock()

		if exhausted {
			s.shutdown(nil)
			if len(unit) > 0 {
				return unit, nil
			}
			return nil, io.EOF
		}
		if len(unit) > 0 {
			return unit, nil
		}
		// Empty unit mid-object: the loaded chunk was already drained.
		// Loop to advance.
	}
}

// produceNext advances to the next chunk if needed and extracts one unit
// of data from the loaded chunk.
func (s *Stream) produceNext(ctx context.Context) ([]byte, error) {
	if err := s.advanceIfNeeded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		// Shut down between advance and extraction; produce nothing.
		return nil, s.terminalLocked()
	}

	c := s.file.Current()
	var unit []byte
	if s.skip > 0 && int64(c.Available()) > s.skip {
		c.ReadSlice(int(s.skip))
		unit = c.ReadSlice(c.Available())
		s.skip = 0
	} else {
		unit = c.ReadSlice(c.Available())
	}
	s.lastRead = s.chunk

	return unit, nil
}

// advanceIfNeeded fetches the next chunk when the loaded one has been
// fully consumed. At most one fetch is ever outstanding; the fetch runs
// without holding the state lock so Cancel stays responsive, and its
// result is discarded if the stream shut down while it was in flight.
//
// Every call resolves: an inert stream yields an immediate error rather
// than leaving the caller waiting.
func (s *Stream) advanceIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateActive {
		err := s.terminalLocked()
		s.mu.Unlock()
		return err
	}
	if s.lastRead != s.chunk {
		// Loaded chunk still has unconsumed data.
		s.mu.Unlock()
		return nil
	}
	if s.fetching {
		s.mu.Unlock()
		return ErrConcurrentRead
	}
	s.fetching = true
	s.chunk++
	index := s.chunk
	s.mu.Unlock()

	fctx, stop := joinContexts(ctx, s.ctx)
	c, ferr := s.file.FetchChunk(fctx, index)
	stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetching = false
	if s.state != stateActive {
		// The stream shut down while the fetch was outstanding. Whatever
		// the fetch resolved to is discarded, not acted upon.
		return s.terminalLocked()
	}
	if ferr != nil {
		// The index stays advanced; the stream shuts down on this path,
		// so no fetch is ever attempted at the stale index.
		return ferr
	}
	s.file.setCurrent(c)
	return nil
}

// Cancel forcibly ends the stream. No data is produced after Cancel, even
// if an outstanding fetch later completes. Idempotent; calls after the
// stream has ended have no effect.
func (s *Stream) Cancel(err error) {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.state = stateDestroyed
	if err != nil {
		s.termErr = err
	} else {
		s.termErr = ErrStreamClosed
	}
	s.mu.Unlock()

	s.cancel()
	s.shutdown(nil)
}

// shutdown is the one-shot finalizer. It stops production, records the
// terminal error, optionally releases the backing handle, and closes the
// done channel. A resource-close failure is recorded but never suppresses
// the close signal.
func (s *Stream) shutdown(err error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	if err != nil && s.termErr == nil {
		s.termErr = err
	}
	release := s.autoClose && s.file.Mode() == ModeWrite
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		if release {
			// Resource release must finish even after Cancel.
			doc, cerr := s.file.Close(context.WithoutCancel(s.ctx))
			s.mu.Lock()
			s.closeDoc, s.closeErr = doc, cerr
			s.mu.Unlock()
		}
		s.cancel()
		close(s.done)
	})
}

// terminalLocked maps the terminal state to the error Next reports.
// Callers must hold s.mu.
func (s *Stream) terminalLocked() error {
	if s.termErr != nil {
		return s.termErr
	}
	return io.EOF
}

// Done returns a channel that closes when shutdown completes. It closes
// exactly once per stream, whether the stream ended by exhaustion, by
// error, or by Cancel.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error: the fetch failure or Cancel cause that
// ended the stream, ErrStreamClosed after a cause-less Cancel, or nil
// while active or after clean exhaustion.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// CloseInfo reports the outcome of releasing the backing handle: the
// manifest returned by File.Close and any failure it hit. Both are nil
// unless the stream was built with WithAutoClose over a ModeWrite handle.
// Valid once Done is closed.
func (s *Stream) CloseInfo() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDoc, s.closeErr
}

// joinContexts derives a context from primary that is also cancelled when
// secondary ends.
func joinContexts(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
