// Package session wires the capture device, the sample framer, and the
// streaming transport into one recording session with a deterministic
// lifecycle. All state mutation funnels through a single run goroutine;
// Start and Stop only post intent.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"earshot/diag"
	"earshot/snd"
	"earshot/stt"
)

// State is the session lifecycle position. Transitions are totally
// ordered; exactly one session is active per controller.
type State int

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingLanguage rejects Start without a language tag.
	ErrMissingLanguage = errors.New("no language selected")

	// ErrSessionActive rejects Start while a session is in flight.
	ErrSessionActive = errors.New("session already active")
)

// Capture is the open device handle the controller owns. Done yields
// the terminal capture status exactly once; Close is idempotent.
type Capture interface {
	Done() <-chan error
	Close() error
}

// OpenCaptureFunc acquires the device and installs the sample callback.
// The callback runs on the device's producer goroutine.
type OpenCaptureFunc func(ctx context.Context, fn func([]float32)) (Capture, error)

// Resetter clears server-side debug artifacts. Always best-effort.
type Resetter interface {
	ClearDebug(ctx context.Context) error
}

// Sink receives session output. All methods are invoked sequentially,
// in event receipt order, from the session goroutine.
type Sink interface {
	Transcript(text string)
	Advisory(message string)
	Transition(from, to State)
	Failure(err error)
}

// Stats counts session traffic.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	Transcripts   uint64
	Advisories    uint64
}

const DefaultFrameQueue = 32

type Config struct {
	OpenCapture OpenCaptureFunc
	Dialer      stt.Dialer
	Reset       Resetter // optional
	Sink        Sink
	Logger      *log.Logger
	Trail       *diag.Log

	// FrameQueue bounds the producer-to-session frame handoff.
	// When full, new frames are dropped. Zero means
	// DefaultFrameQueue.
	FrameQueue int
}

type Controller struct {
	openCapture OpenCaptureFunc
	dialer      stt.Dialer
	reset       Resetter
	sink        Sink
	logger      *log.Logger
	trail       *diag.Log
	frameQueue  int

	mu       sync.Mutex
	state    State
	failure  error
	cancel   context.CancelFunc
	loopDone chan struct{}

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	transcripts   atomic.Uint64
	advisories    atomic.Uint64
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Trail == nil {
		cfg.Trail = diag.New(0)
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = DefaultFrameQueue
	}
	return &Controller{
		openCapture: cfg.OpenCapture,
		dialer:      cfg.Dialer,
		reset:       cfg.Reset,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		trail:       cfg.Trail,
		frameQueue:  cfg.FrameQueue,
		state:       Idle,
	}
}

// State returns the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure reason after a fatal error, nil otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Stats returns a snapshot of session traffic counters.
func (c *Controller) Stats() Stats {
	return Stats{
		FramesSent:    c.framesSent.Load(),
		FramesDropped: c.framesDropped.Load(),
		Transcripts:   c.transcripts.Load(),
		Advisories:    c.advisories.Load(),
	}
}

// Trail returns the diagnostic trail.
func (c *Controller) Trail() *diag.Log {
	return c.trail
}

// Start begins a recording session for a language tag. Precondition
// failures (empty language, session in flight) are rejected without a
// state change. Setup itself runs asynchronously: setup errors drive
// Starting -> Failed -> Closed and are reported through the sink after
// teardown completes.
func (c *Controller) Start(ctx context.Context, language string) error {
	if language == "" {
		return ErrMissingLanguage
	}

	c.mu.Lock()

	// A failed session may still be winding down its teardown; wait
	// for it and look again.
	for c.state == Failed {
		prev := c.loopDone
		c.mu.Unlock()
		if prev != nil {
			<-prev
		}
		c.mu.Lock()
	}

	if c.state != Idle && c.state != Closed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSessionActive, state)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.failure = nil
	c.framesSent.Store(0)
	c.framesDropped.Store(0)
	c.transcripts.Store(0)
	c.advisories.Store(0)
	done := c.loopDone

	// Commit the transition under the same lock as the reservation:
	// a concurrent Start must never observe an idle state alongside a
	// live session.
	from := c.state
	c.state = Starting
	c.mu.Unlock()

	c.notifyTransition(from, Starting)
	go c.run(sessionCtx, language, done)
	return nil
}

// Stop ends the session and waits until every resource is released and
// the state is Closed. It is idempotent and safe to call at any point
// after Start, including before setup completes. Calling it in Idle or
// Closed is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == Idle || c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	done := c.loopDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.notifyTransition(from, to)
}

func (c *Controller) notifyTransition(from, to State) {
	c.trail.Append("state %s -> %s", from, to)
	c.logger.Debug("state", "from", from, "to", to)
	if c.sink != nil {
		c.sink.Transition(from, to)
	}
}

// run performs setup, pumps frames and events, and always finishes with
// a complete teardown. It is the only goroutine that mutates session
// resources after Start.
func (c *Controller) run(ctx context.Context, language string, done chan struct{}) {
	defer close(done)

	c.trail.Append("session start language=%s", language)
	c.clearDebug(ctx)

	framer := snd.NewFramer()
	frames := make(chan []byte, c.frameQueue)

	// The capture callback runs on the device's real-time goroutine:
	// framing is lock-free and completed frames are handed off
	// without ever blocking the producer.
	capture, err := c.openCapture(ctx, func(block []float32) {
		for _, frame := range framer.Push(block) {
			select {
			case frames <- frame:
			default:
				c.framesDropped.Add(1)
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			c.finish(ctx, nil, nil, nil, framer)
			return
		}
		c.finish(ctx, fmt.Errorf("capture: %w", err), nil, nil, framer)
		return
	}
	if ctx.Err() != nil {
		c.finish(ctx, nil, capture, nil, framer)
		return
	}

	transport, err := c.dialer.Dial(ctx, language)
	if err != nil {
		if ctx.Err() != nil {
			c.finish(ctx, nil, capture, nil, framer)
			return
		}
		c.finish(ctx, fmt.Errorf("transport: %w", err), capture, nil, framer)
		return
	}
	if ctx.Err() != nil {
		c.finish(ctx, nil, capture, transport, framer)
		return
	}

	// Recording is reported only once the transport is confirmed.
	c.setState(Recording)
	c.trail.Append("transport connected")

	for {
		select {
		case <-ctx.Done():
			c.finish(ctx, nil, capture, transport, framer)
			return

		case err := <-capture.Done():
			// Stop kills the recorder, so a capture death that
			// races with cancellation is a deliberate stop.
			if ctx.Err() != nil {
				c.finish(ctx, nil, capture, transport, framer)
				return
			}
			if err == nil {
				err = errors.New("capture ended unexpectedly")
			}
			c.finish(ctx, fmt.Errorf("capture: %w", err), capture, transport, framer)
			return

		case frame := <-frames:
			switch err := transport.Send(frame); {
			case err == nil:
				c.framesSent.Add(1)
				c.trail.Append("sent buffer of %d bytes", len(frame))
			case errors.Is(err, stt.ErrQueueFull), errors.Is(err, stt.ErrClosed):
				// Dropped, never blocks the pipeline. A dead
				// transport surfaces through its closed event.
				c.framesDropped.Add(1)
			default:
				c.finish(ctx, fmt.Errorf("transport send: %w", err), capture, transport, framer)
				return
			}

		case ev, ok := <-transport.Events():
			if !ok {
				if ctx.Err() != nil {
					c.finish(ctx, nil, capture, transport, framer)
					return
				}
				c.finish(ctx, errors.New("transport: event stream ended"), capture, transport, framer)
				return
			}
			switch ev.Kind {
			case stt.KindTranscript:
				c.transcripts.Add(1)
				if c.sink != nil {
					c.sink.Transcript(ev.Text)
				}
			case stt.KindError:
				c.advisories.Add(1)
				c.trail.Append("backend error: %s", ev.Message)
				if c.sink != nil {
					c.sink.Advisory(ev.Message)
				}
			case stt.KindProtocol:
				c.advisories.Add(1)
				c.trail.Append("protocol: %s", ev.Message)
				c.logger.Warn("protocol", "message", ev.Message)
				if c.sink != nil {
					c.sink.Advisory(ev.Message)
				}
			case stt.KindClosed:
				if ctx.Err() != nil {
					c.finish(ctx, nil, capture, transport, framer)
					return
				}
				// Any close while recording is an unexpected
				// termination.
				err := ev.Err
				if err == nil {
					err = errors.New("connection closed unexpectedly")
				}
				c.finish(ctx, fmt.Errorf("transport: %w", err), capture, transport, framer)
				return
			}
		}
	}
}

// finish drives the terminal transitions and the all-or-nothing
// teardown. A nil cause is a deliberate stop; otherwise the session
// failed. Teardown always runs to completion before the failure is
// reported.
func (c *Controller) finish(ctx context.Context, cause error, capture Capture, transport stt.Transport, framer *snd.Framer) {
	if cause != nil {
		c.mu.Lock()
		c.failure = cause
		c.mu.Unlock()
		c.trail.Append("fatal: %v", cause)
		c.logger.Error("session failed", "error", cause)
		c.setState(Failed)
	} else {
		c.setState(Stopping)
	}

	c.teardown(capture, transport, framer)
	c.clearDebug(context.WithoutCancel(ctx))

	// Release the session context even when the session ended on its
	// own; otherwise each finished session stays registered on the
	// caller's parent context.
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.setState(Closed)

	if cause != nil && c.sink != nil {
		c.sink.Failure(cause)
	}
}

// teardown releases everything in order: capture stage first, then the
// partial frame buffer, then the transport. A failing step is logged
// and never stops the remaining steps.
func (c *Controller) teardown(capture Capture, transport stt.Transport, framer *snd.Framer) {
	if capture != nil {
		if err := capture.Close(); err != nil {
			c.trail.Append("teardown capture: %v", err)
			c.logger.Warn("release capture", "error", err)
		} else {
			c.trail.Append("capture released")
		}
	}

	if framer != nil && framer.Pending() > 0 {
		// Partial frames are discarded, never flushed.
		c.trail.Append("discarded %d buffered samples", framer.Pending())
		framer.Reset()
	}

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.trail.Append("teardown transport: %v", err)
			c.logger.Warn("close transport", "error", err)
		} else {
			c.trail.Append("transport closed")
		}
	}
}

// clearDebug asks the backend to drop stale debug artifacts. Failures
// are logged and never block the lifecycle.
func (c *Controller) clearDebug(ctx context.Context) {
	if c.reset == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.reset.ClearDebug(ctx); err != nil {
		c.trail.Append("debug reset failed: %v", err)
		c.logger.Debug("debug reset", "error", err)
	}
}
