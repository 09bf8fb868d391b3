// Package transport owns the duplex realtime socket. It delivers inbound
// frames as an ordered, non-restartable sequence and never silently drops
// the connection: the sequence always ends with a close or error marker.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	dialTimeout      = 15 * time.Second
	closeGracePeriod = 2 * time.Second
)

// Frame is one inbound message. Exactly one terminal frame (Err set or
// Closed true) is emitted before the sequence channel is closed.
type Frame struct {
	Data   []byte
	Binary bool
	Err    error
	Closed bool
}

// Terminal reports whether this frame ends the sequence.
func (f Frame) Terminal() bool { return f.Err != nil || f.Closed }

// Conn is an established realtime socket connection.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	frames chan Frame
	// die unblocks the read loop's frame sends once Close runs, so an
	// abandoned consumer never strands the goroutine.
	die chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial opens the websocket at wsURL and starts the read loop. The context
// bounds only the handshake; the connection outlives it.
func Dial(ctx context.Context, wsURL string, header http.Header, log zerolog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s (status %d): %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", wsURL, err)
	}

	c := &Conn{
		ws:     ws,
		log:    log.With().Str("component", "transport").Logger(),
		frames: make(chan Frame, 64),
		die:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Frames returns the inbound sequence. It is lazy and non-restartable; the
// channel is closed right after the terminal frame.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// SendJSON writes one JSON control frame. Writes are serialized.
func (c *Conn) SendJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("transport: connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendBinary writes one binary frame. Writes are serialized.
func (c *Conn) SendBinary(b []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("transport: connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close tears the connection down. It is idempotent and safe from any state;
// a best-effort close control frame is sent before the socket is closed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.die)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(Frame{Closed: true})
				return
			}
			c.log.Debug().Err(err).Msg("read failed")
			c.emit(Frame{Err: fmt.Errorf("transport: read: %w", err)})
			return
		}
		switch messageType {
		case websocket.TextMessage:
			if !c.emit(Frame{Data: data}) {
				return
			}
		case websocket.BinaryMessage:
			if !c.emit(Frame{Data: data, Binary: true}) {
				return
			}
		default:
			// ping/pong handled by gorilla internally
		}
	}
}

// emit delivers one frame unless the connection was closed locally with the
// queue full; a stalled consumer must not pin the read loop.
func (c *Conn) emit(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.die:
		return false
	}
}
