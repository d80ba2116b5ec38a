package brook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// testPattern returns n bytes of a deterministic, non-repeating-ish pattern.
func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func writeObject(ctx context.Context, t *testing.T, store Store, name string, data []byte, chunkSize int64) {
	t.Helper()
	w, err := Create(ctx, store, name, WithChunkSize(chunkSize))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func openStream(ctx context.Context, t *testing.T, store Store, name string, position int64, opts ...StreamOption) *Stream {
	t.Helper()
	f, err := Open(ctx, store, name, WithPosition(position))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(f, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// collect pulls units until the stream ends, returning the units and the
// terminal error (io.EOF on clean exhaustion).
func collect(ctx context.Context, s *Stream) ([][]byte, error) {
	var units [][]byte
	for {
		unit, err := s.Next(ctx)
		if err != nil {
			return units, err
		}
		units = append(units, unit)
	}
}

func unitSizes(units [][]byte) []int {
	sizes := make([]int, len(units))
	for i, u := range units {
		sizes[i] = len(u)
	}
	return sizes
}

func assertDoneClosed(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to be closed")
	}
}

// -----------------------------------------------------------------------------
// Scenario tests
// -----------------------------------------------------------------------------

func TestStream_FullRead_UnitPerChunk(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	data := testPattern(10)
	writeObject(ctx, t, store, "obj", data, 4)

	s := openStream(ctx, t, store, "obj", 0)
	units, err := collect(ctx, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}

	want := []int{4, 4, 2}
	got := unitSizes(units)
	if len(got) != len(want) {
		t.Fatalf("expected unit sizes %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected unit sizes %v, got %v", want, got)
		}
	}

	if !bytes.Equal(bytes.Join(units, nil), data) {
		t.Error("concatenated units do not match object bytes")
	}

	assertDoneClosed(t, s)
	if s.Err() != nil {
		t.Errorf("expected nil Err after clean exhaustion, got: %v", s.Err())
	}

	// Autoclose disabled: no resource close happened.
	doc, closeErr := s.CloseInfo()
	if doc != nil || closeErr != nil {
		t.Errorf("expected no close info without autoclose, got: %v, %v", doc, closeErr)
	}
}

func TestStream_OffsetRead_MidChunkStart(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	data := testPattern(10)
	writeObject(ctx, t, store, "obj", data, 4)

	// Position 5 lands one byte into the second chunk: the first unit is
	// the 3-byte remainder of that chunk, the second is the 2-byte final
	// chunk. 3+2 matches the 5 bytes remaining from position 5.
	s := openStream(ctx, t, store, "obj", 5)
	units, err := collect(ctx, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}

	want := []int{3, 2}
	got := unitSizes(units)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected unit sizes %v, got %v", want, got)
	}

	if !bytes.Equal(bytes.Join(units, nil), data[5:]) {
		t.Error("concatenated units do not match object bytes from position 5")
	}
}

func TestStream_OffsetRead_AllPositions(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()

	cases := []struct {
		length    int
		chunkSize int64
	}{
		{length: 10, chunkSize: 4},
		{length: 16, chunkSize: 4},
		{length: 1, chunkSize: 4},
		{length: 9, chunkSize: 3},
		{length: 100, chunkSize: 7},
	}

	for _, tc := range cases {
		name := fmt.Sprintf("obj-%d-%d", tc.length, tc.chunkSize)
		data := testPattern(tc.length)
		writeObject(ctx, t, store, name, data, tc.chunkSize)

		for pos := 0; pos < tc.length; pos++ {
			s := openStream(ctx, t, store, name, int64(pos))
			units, err := collect(ctx, s)
			if !errors.Is(err, io.EOF) {
				t.Fatalf("%s pos=%d: expected io.EOF, got: %v", name, pos, err)
			}
			if !bytes.Equal(bytes.Join(units, nil), data[pos:]) {
				t.Fatalf("%s pos=%d: concatenated units do not match object bytes", name, pos)
			}
		}
	}
}

func TestStream_EmptyObject(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "empty", nil, 4)

	s := openStream(ctx, t, store, "empty", 0)
	units, err := collect(ctx, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}
	if len(units) != 0 {
		t.Errorf("expected no units from empty object, got %d", len(units))
	}
	assertDoneClosed(t, s)
}

func TestStream_NextAfterExhaustion_StaysEOF(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "obj", testPattern(6), 4)

	s := openStream(ctx, t, store, "obj", 0)
	if _, err := collect(ctx, s); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}

	for range 3 {
		if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF on pull after exhaustion, got: %v", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew_RejectsMisalignedHandle(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "obj", testPattern(10), 4)

	f, err := Open(ctx, store, "obj", WithPosition(5))
	if err != nil {
		t.Fatal(err)
	}

	// A handle whose loaded chunk does not contain its position is a
	// construction-time contract violation.
	f.position = 9 // chunk 1 is loaded; position 9 is in chunk 2
	if _, err := New(f); !errors.Is(err, ErrBadPosition) {
		t.Errorf("expected ErrBadPosition, got: %v", err)
	}

	f.position = 2 // before chunk 1
	if _, err := New(f); !errors.Is(err, ErrBadPosition) {
		t.Errorf("expected ErrBadPosition, got: %v", err)
	}
}

func TestNew_NilFile(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil file")
	}
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

func TestStream_Cancel_StopsProduction(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "obj", testPattern(10), 4)

	s := openStream(ctx, t, store, "obj", 0)
	if _, err := s.Next(ctx); err != nil {
		t.Fatal(err)
	}

	s.Cancel(nil)
	assertDoneClosed(t, s)

	if _, err := s.Next(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed after Cancel, got: %v", err)
	}
	if !errors.Is(s.Err(), ErrStreamClosed) {
		t.Errorf("expected Err to report ErrStreamClosed, got: %v", s.Err())
	}
}

func TestStream_Cancel_WithError(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "obj", testPattern(10), 4)

	s := openStream(ctx, t, store, "obj", 0)
	cause := errors.New("consumer gave up")
	s.Cancel(cause)

	if _, err := s.Next(ctx); !errors.Is(err, cause) {
		t.Errorf("expected cancel cause from Next, got: %v", err)
	}
	if !errors.Is(s.Err(), cause) {
		t.Errorf("expected Err to report cancel cause, got: %v", s.Err())
	}
	assertDoneClosed(t, s)
}

func TestStream_CancelTwice_SingleCancellation(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "obj", testPattern(10), 4)

	s := openStream(ctx, t, store, "obj", 0)
	cause := errors.New("first cause")
	s.Cancel(cause)
	s.Cancel(errors.New("second cause, must be ignored"))

	if !errors.Is(s.Err(), cause) {
		t.Errorf("expected first cancel cause to win, got: %v", s.Err())
	}
	assertDoneClosed(t, s)
}

func TestStream_CancelAfterExhaustion_NoOp(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	writeObject(ctx, t, store, "obj", testPattern(6), 4)

	s := openStream(ctx, t, store, "obj", 0)
	if _, err := collect(ctx, s); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}

	s.Cancel(errors.New("too late"))
	if s.Err() != nil {
		t.Errorf("expected Cancel after close to have no effect, got Err: %v", s.Err())
	}
	if _, err := s.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Autoclose
// -----------------------------------------------------------------------------

func TestStream_AutoClose_WriteMode_FinalizesObject(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	data := testPattern(10)
	writeObject(ctx, t, store, "obj", data, 4)

	f, err := Open(ctx, store, "obj", WithMode(ModeWrite))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(f, WithAutoClose())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := collect(ctx, s); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}
	assertDoneClosed(t, s)

	doc, closeErr := s.CloseInfo()
	if closeErr != nil {
		t.Fatalf("expected clean resource close, got: %v", closeErr)
	}
	if doc == nil || doc.FinalizedAt == nil {
		t.Fatal("expected finalized manifest from resource close")
	}

	// The finalized manifest is what readers now see.
	reloaded, err := loadManifest(ctx, store, "obj")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.FinalizedAt == nil {
		t.Error("expected finalization to be persisted")
	}
}

func TestStream_AutoClose_ReadMode_NeverTouchesStore(t *testing.T) {
	ctx := t.Context()
	inner := NewMemory()
	writeObject(ctx, t, inner, "obj", testPattern(10), 4)
	fs := newFaultStore(inner)

	f, err := Open(ctx, fs, "obj")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(f, WithAutoClose())
	if err != nil {
		t.Fatal(err)
	}

	putsBefore := len(fs.PutCalls())
	deletesBefore := len(fs.DeleteCalls())

	if _, err := collect(ctx, s); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}
	assertDoneClosed(t, s)

	if len(fs.PutCalls()) != putsBefore || len(fs.DeleteCalls()) != deletesBefore {
		t.Error("expected no store writes when autoclosing a read-mode handle")
	}
}

func TestStream_AutoClose_Disabled_NeverTouchesStore(t *testing.T) {
	ctx := t.Context()
	inner := NewMemory()
	writeObject(ctx, t, inner, "obj", testPattern(10), 4)
	fs := newFaultStore(inner)

	f, err := Open(ctx, fs, "obj", WithMode(ModeWrite))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(f)
	if err != nil {
		t.Fatal(err)
	}

	putsBefore := len(fs.PutCalls())

	if _, err := collect(ctx, s); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got: %v", err)
	}
	assertDoneClosed(t, s)

	if len(fs.PutCalls()) != putsBefore {
		t.Error("expected no store writes when autoclose is disabled")
	}
}
