// Package stt streams audio frames to the transcription backend over a
// duplex websocket and delivers transcript and error events back.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const DefaultQueueSize = 64

var (
	// ErrQueueFull is returned by Send when the outbound queue is
	// saturated. The frame is dropped; the producer is never blocked.
	ErrQueueFull = errors.New("send queue full")

	// ErrClosed is returned by Send after the connection ended.
	ErrClosed = errors.New("transport closed")
)

// Transport is the duplex connection the session controller drives.
type Transport interface {
	Send(frame []byte) error
	Events() <-chan Event
	Close() error
}

// Dialer opens a Transport for a language tag.
type Dialer interface {
	Dial(ctx context.Context, language string) (Transport, error)
}

type Options struct {
	// QueueSize bounds the outbound frame queue. Zero means
	// DefaultQueueSize.
	QueueSize int

	// DialTimeout caps connection establishment. Zero means no
	// timeout.
	DialTimeout time.Duration

	Logger *log.Logger
}

// Client is a websocket Transport. Outbound frames go through a bounded
// queue drained by a writer goroutine; a write failure tears the
// connection down. Inbound messages are parsed and delivered on a
// single ordered channel that ends with exactly one KindClosed event.
type Client struct {
	conn   *websocket.Conn
	logger *log.Logger

	sendQ  chan []byte
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closing   atomic.Bool
	dropped   atomic.Uint64
	sent      atomic.Uint64
}

// Dial connects to the transcription endpoint for a language tag. The
// endpoint is path-addressed: baseURL + "/" + language.
func Dial(ctx context.Context, baseURL, language string, opts Options) (*Client, error) {
	if language == "" {
		return nil, errors.New("missing language tag")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	url := strings.TrimSuffix(baseURL, "/") + "/" + language
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}

	c := &Client{
		conn:   conn,
		logger: opts.Logger,
		sendQ:  make(chan []byte, opts.QueueSize),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// Send enqueues one encoded frame. It never blocks: when the queue is
// full the frame is dropped and ErrQueueFull returned.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.sendQ <- frame:
		return nil
	default:
		c.dropped.Add(1)
		return ErrQueueFull
	}
}

// Events returns the inbound event channel. It is closed after the
// KindClosed event is delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Sent returns the number of frames written to the wire.
func (c *Client) Sent() uint64 { return c.sent.Load() }

// Dropped returns the number of frames discarded by a full queue.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Close ends the connection with a websocket close handshake. It is
// idempotent; the KindClosed event still follows on Events.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("close message not sent", "error", err)
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close connection", "error", err)
		}
	})
	return nil
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendQ:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Error("write frame", "error", err)
				// The read loop surfaces the failure as the
				// close cause.
				c.conn.Close()
				return
			}
			c.sent.Add(1)
			c.logger.Debug("sent buffer", "bytes", len(frame))
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.deliver(Event{Kind: KindClosed, Err: c.closeCause(err)})
			return
		}
		if msgType != websocket.TextMessage {
			c.deliver(Event{Kind: KindProtocol, Message: "failed to parse message"})
			continue
		}

		ev := parseMessage(data)
		if ev.Kind == KindProtocol {
			c.logger.Warn("unparseable message", "payload", string(data))
		}
		c.deliver(ev)
	}
}

func (c *Client) deliver(ev Event) {
	if ev.Kind == KindClosed {
		// Final event. The consumer may have stopped reading with
		// the buffer full; never block on it, the channel close
		// that follows signals termination either way.
		select {
		case c.events <- ev:
		default:
		}
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// WebsocketDialer opens Clients against a fixed base URL.
type WebsocketDialer struct {
	BaseURL string
	Opts    Options
}

func (d *WebsocketDialer) Dial(ctx context.Context, language string) (Transport, error) {
	return Dial(ctx, d.BaseURL, language, d.Opts)
}

// closeCause maps a read error to the reported close cause. A close we
// initiated, or a normal peer close, is not an error.
func (c *Client) closeCause(err error) error {
	if c.closing.Load() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}
