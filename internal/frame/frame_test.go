package frame_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/rtunio/rtun/internal/frame"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		f    frame.Frame
	}{
		{name: "empty payload is disconnect", f: frame.Frame{PeerID: 7}},
		{name: "small payload", f: frame.Frame{PeerID: 1, Payload: []byte("hello")}},
		{name: "peer id zero", f: frame.Frame{PeerID: 0, Payload: []byte("x")}},
		{name: "large peer id", f: frame.Frame{PeerID: 0xFFFFFFFF, Payload: []byte{1, 2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := frame.Encode(nil, tt.f)

			r := frame.NewReader(bytes.NewReader(buf), 0)
			got, err := r.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}

			if got.PeerID != tt.f.PeerID {
				t.Errorf("PeerID = %d, want %d", got.PeerID, tt.f.PeerID)
			}
			if !bytes.Equal(got.Payload, tt.f.Payload) {
				t.Errorf("Payload = %v, want %v", got.Payload, tt.f.Payload)
			}
			if got.IsDisconnect() != (len(tt.f.Payload) == 0) {
				t.Errorf("IsDisconnect() = %v, want %v", got.IsDisconnect(), len(tt.f.Payload) == 0)
			}
		})
	}
}

func TestReaderSequence(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(frame.Encode(nil, frame.Frame{PeerID: 1, Payload: []byte("a")}))
	buf.Write(frame.Encode(nil, frame.Frame{PeerID: 2, Payload: []byte("bb")}))
	buf.Write(frame.Encode(nil, frame.Frame{PeerID: 1}))

	r := frame.NewReader(&buf, 0)

	f1, err := r.ReadFrame()
	if err != nil || f1.PeerID != 1 || string(f1.Payload) != "a" {
		t.Fatalf("frame 1 = %+v, err %v", f1, err)
	}

	f2, err := r.ReadFrame()
	if err != nil || f2.PeerID != 2 || string(f2.Payload) != "bb" {
		t.Fatalf("frame 2 = %+v, err %v", f2, err)
	}

	f3, err := r.ReadFrame()
	if err != nil || !f3.IsDisconnect() || f3.PeerID != 1 {
		t.Fatalf("frame 3 = %+v, err %v", f3, err)
	}

	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() at EOF = %v, want io.EOF-ish error", err)
	}
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	buf := frame.Encode(nil, frame.Frame{PeerID: 1, Payload: make([]byte, 100)})
	r := frame.NewReader(bytes.NewReader(buf), 10)

	if _, err := r.ReadFrame(); !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Errorf("ReadFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestWriterSerializesConcurrentWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := frame.NewWriter(&buf)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(id uint32) {
			defer wg.Done()
			if err := w.WriteFrame(frame.Frame{PeerID: id, Payload: []byte{byte(id)}}); err != nil {
				t.Errorf("WriteFrame: %v", err)
			}
		}(uint32(i))
	}
	wg.Wait()

	r := frame.NewReader(&buf, 0)
	seen := make(map[uint32]bool, n)
	for range n {
		f, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if len(f.Payload) != 1 || f.Payload[0] != byte(f.PeerID) {
			t.Errorf("frame %+v corrupted: interleaved write detected", f)
		}
		seen[f.PeerID] = true
	}

	if len(seen) != n {
		t.Errorf("saw %d distinct peer ids, want %d", len(seen), n)
	}
}

func TestWriteDisconnect(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := frame.NewWriter(&buf)

	if err := w.WriteDisconnect(42); err != nil {
		t.Fatalf("WriteDisconnect: %v", err)
	}

	r := frame.NewReader(&buf, 0)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.PeerID != 42 || !f.IsDisconnect() {
		t.Errorf("frame = %+v, want disconnect for peer 42", f)
	}
}
