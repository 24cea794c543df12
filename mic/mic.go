// Package mic owns the microphone device. It runs a recorder subprocess
// that produces raw 32-bit float mono PCM on stdout and delivers
// fixed-quantum sample blocks to a callback from a dedicated read
// goroutine.
package mic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"earshot/snd"
)

var (
	// ErrPermissionDenied means microphone access was refused.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable means no usable capture device exists.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrStageLoad means the sample-producing stage could not be
	// installed (the recorder failed to start).
	ErrStageLoad = errors.New("failed to load capture stage")
)

// DefaultBlockSize is the samples-per-callback quantum. The device side
// controls the real cadence; this is the read granularity.
const DefaultBlockSize = 128

type Config struct {
	// SampleRate requested from the device. Defaults to
	// snd.SampleRate. The recorder is asked to resample, so the
	// blocks delivered downstream are always at this rate.
	SampleRate int

	// BlockSize is the number of samples per callback. Defaults to
	// DefaultBlockSize.
	BlockSize int

	// Command overrides the recorder invocation. Empty means a
	// platform default (arecord on linux, sox's rec elsewhere).
	Command []string

	// Open, when set, replaces the subprocess entirely with an
	// arbitrary raw-PCM reader. Used by tests and file input.
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// stderrBuffer collects recorder diagnostics. exec writes to it from
// its own pipe-copy goroutine while the read loop may be classifying an
// exit, so both sides go through the lock.
type stderrBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *stderrBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *stderrBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// Source is an open capture device. It stays open until Close or until
// the recorder dies; either way Done yields the terminal status exactly
// once.
type Source struct {
	logger *log.Logger

	cmd    *exec.Cmd
	stream io.ReadCloser
	stderr *stderrBuffer

	done      chan error
	closeOnce sync.Once
	closing   bool
	mu        sync.Mutex
}

// Open acquires the device and starts delivering sample blocks to fn.
// fn is invoked from the read goroutine and must not block; the block
// slice is reused between calls.
func Open(ctx context.Context, cfg Config, logger *log.Logger, fn func([]float32)) (*Source, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = snd.SampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	s := &Source{
		logger: logger,
		stderr: &stderrBuffer{},
		done:   make(chan error, 1),
	}

	if cfg.Open != nil {
		stream, err := cfg.Open(ctx)
		if err != nil {
			return nil, err
		}
		s.stream = stream
	} else {
		if err := s.startRecorder(ctx, cfg); err != nil {
			return nil, err
		}
	}

	go s.readLoop(cfg.BlockSize, fn)

	logger.Debug("capture stage initialized", "rate", cfg.SampleRate, "block", cfg.BlockSize)
	return s, nil
}

func (s *Source) startRecorder(ctx context.Context, cfg Config) error {
	argv := cfg.Command
	if len(argv) == 0 {
		argv = defaultCommand(cfg.SampleRate)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStageLoad, err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: recorder %q not found", ErrStageLoad, argv[0])
		}
		return fmt.Errorf("%w: %v", ErrStageLoad, err)
	}

	s.cmd = cmd
	s.stream = stdout
	return nil
}

// defaultCommand builds the platform recorder invocation. The mono
// channel and sample rate constraints are always passed; echo
// cancellation, noise suppression and gain control depend on what the
// platform recorder honors.
func defaultCommand(rate int) []string {
	r := strconv.Itoa(rate)
	if runtime.GOOS == "linux" {
		return []string{"arecord", "-q", "-t", "raw", "-f", "FLOAT_LE", "-r", r, "-c", "1"}
	}
	return []string{
		"rec", "-q",
		"-t", "raw", "-e", "floating-point", "-b", "32",
		"-r", r, "-c", "1", "-",
	}
}

func (s *Source) readLoop(blockSize int, fn func([]float32)) {
	buf := make([]byte, blockSize*4)
	block := make([]float32, blockSize)

	for {
		n, err := io.ReadFull(s.stream, buf)
		if n >= 4 {
			samples := n / 4
			for i := 0; i < samples; i++ {
				bits := binary.LittleEndian.Uint32(buf[i*4:])
				block[i] = math.Float32frombits(bits)
			}
			fn(block[:samples])
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

// finish reports the terminal status once.
func (s *Source) finish(readErr error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if closing {
		s.done <- nil
		return
	}
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
		// The recorder exited on its own; classify from stderr.
		s.done <- s.classifyExit()
		return
	}
	s.done <- readErr
}

// classifyExit maps recorder diagnostics to the capture error taxonomy.
func (s *Source) classifyExit() error {
	msg := strings.ToLower(s.stderr.String())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed"):
		return ErrPermissionDenied
	case msg == "":
		return ErrDeviceUnavailable
	default:
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, strings.TrimSpace(s.stderr.String()))
	}
}

// Done yields the terminal capture status: nil after Close, an error if
// the device failed while open.
func (s *Source) Done() <-chan error {
	return s.done
}

// Close stops delivery and releases the device. Idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil {
				s.logger.Debug("kill recorder", "error", err)
			}
		}
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("close capture stream", "error", err)
		}
		if s.cmd != nil {
			s.cmd.Wait()
		}
	})
	return nil
}
