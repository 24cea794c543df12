package mic

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

func pcmReader(samples []float32) io.ReadCloser {
	buf := &bytes.Buffer{}
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, math.Float32bits(s))
	}
	return io.NopCloser(buf)
}

type blockCollector struct {
	mu     sync.Mutex
	blocks [][]float32
}

func (c *blockCollector) collect(block []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]float32, len(block))
	copy(cp, block)
	c.blocks = append(c.blocks, cp)
}

func (c *blockCollector) snapshot() [][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]float32(nil), c.blocks...)
}

func waitDone(t *testing.T, s *Source) error {
	t.Helper()
	select {
	case err := <-s.Done():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capture to finish")
		return nil
	}
}

func TestOpenDeliversBlocksInOrder(t *testing.T) {
	samples := make([]float32, 300)
	for i := range samples {
		samples[i] = float32(i) / 1000
	}

	var col blockCollector
	cfg := Config{
		BlockSize: 128,
		Open: func(context.Context) (io.ReadCloser, error) {
			return pcmReader(samples), nil
		},
	}

	s, err := Open(context.Background(), cfg, nil, col.collect)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, s)
	s.Close()

	blocks := col.snapshot()
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks (128+128+44), got %d", len(blocks))
	}
	if len(blocks[0]) != 128 || len(blocks[1]) != 128 || len(blocks[2]) != 44 {
		t.Fatalf("unexpected block sizes: %d %d %d", len(blocks[0]), len(blocks[1]), len(blocks[2]))
	}

	var idx int
	for _, b := range blocks {
		for _, v := range b {
			if v != samples[idx] {
				t.Fatalf("sample %d: expected %v, got %v", idx, samples[idx], v)
			}
			idx++
		}
	}
}

func TestOpenPropagatesOpenError(t *testing.T) {
	wantErr := errors.New("no device")
	cfg := Config{
		Open: func(context.Context) (io.ReadCloser, error) {
			return nil, wantErr
		},
	}

	if _, err := Open(context.Background(), cfg, nil, func([]float32) {}); !errors.Is(err, wantErr) {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	pr, pw := io.Pipe()
	cfg := Config{
		Open: func(context.Context) (io.ReadCloser, error) {
			return pr, nil
		},
	}

	s, err := Open(context.Background(), cfg, nil, func([]float32) {})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	pw.Close()

	if err := waitDone(t, s); err != nil {
		t.Fatalf("close should finish cleanly, got %v", err)
	}
}

func TestRecorderDeathIsClassified(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"permission refused", "arecord: Permission denied opening device", ErrPermissionDenied},
		{"silent exit", "", ErrDeviceUnavailable},
		{"other failure", "device is busy", ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Source{stderr: &stderrBuffer{}}
			s.stderr.Write([]byte(tt.stderr))
			if got := s.classifyExit(); !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStderrSafeForConcurrentWriteAndClassify(t *testing.T) {
	s := &Source{stderr: &stderrBuffer{}}

	// A dying recorder keeps writing stderr through exec's pipe-copy
	// goroutine while the read loop classifies the exit.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.stderr.Write([]byte("arecord: Permission denied "))
		}
	}()

	for i := 0; i < 100; i++ {
		s.classifyExit()
	}
	wg.Wait()

	if got := s.classifyExit(); !errors.Is(got, ErrPermissionDenied) {
		t.Fatalf("expected %v, got %v", ErrPermissionDenied, got)
	}
}

func TestUnexpectedStreamEndReportsError(t *testing.T) {
	cfg := Config{
		Open: func(context.Context) (io.ReadCloser, error) {
			return pcmReader(make([]float32, 10)), nil
		},
	}

	s, err := Open(context.Background(), cfg, nil, func([]float32) {})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := waitDone(t, s); err == nil {
		t.Fatal("expected an error when the stream ends while open")
	}
}
