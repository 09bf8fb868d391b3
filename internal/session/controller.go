// Package session orchestrates one live voice session: negotiation, the
// realtime transport, the audio bridge, and the turn state machine, joined
// under a single lifecycle with cooperative, bounded cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/willemave/news-app-sub002/internal/audio"
	"github.com/willemave/news-app-sub002/internal/negotiate"
	"github.com/willemave/news-app-sub002/internal/observe"
	"github.com/willemave/news-app-sub002/internal/transport"
	"github.com/willemave/news-app-sub002/internal/turn"
	"github.com/willemave/news-app-sub002/internal/wire"
)

// Phase is the connection lifecycle phase. The controller is its single
// writer; UI observes it read-only.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseFailed     Phase = "failed"
	PhaseClosed     Phase = "closed"
)

// ConnState pairs the phase with a human-readable reason for failed.
type ConnState struct {
	Phase  Phase
	Reason string
}

// TransportError is a terminal socket failure during any phase.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// HardwareError means the microphone or speaker could not be acquired.
type HardwareError struct{ Err error }

func (e *HardwareError) Error() string { return fmt.Sprintf("hardware error: %v", e.Err) }
func (e *HardwareError) Unwrap() error { return e.Err }

// Negotiator requests a session descriptor before the socket opens.
type Negotiator interface {
	CreateSession(ctx context.Context, req negotiate.Request) (negotiate.Descriptor, error)
}

// Transport is the duplex connection consumed by the controller.
type Transport interface {
	Frames() <-chan transport.Frame
	SendJSON(v any) error
	SendBinary(b []byte) error
	Close() error
}

// Dialer opens the realtime socket at the negotiated path.
type Dialer interface {
	Dial(ctx context.Context, wsURL string, header http.Header) (Transport, error)
}

// WebsocketDialer is the production Dialer over gorilla/websocket.
type WebsocketDialer struct {
	Log zerolog.Logger
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, wsURL string, header http.Header) (Transport, error) {
	return transport.Dial(ctx, wsURL, header, d.Log)
}

// Options configure one session attempt.
type Options struct {
	// WSBaseURL prefixes the negotiated websocket path, e.g. wss://api.example.com.
	WSBaseURL string
	// Token is attached as a bearer header on the socket handshake.
	Token   string
	Request negotiate.Request
}

// Controller drives idle -> connecting -> active -> {ended, failed}. All
// collaborators are injected at construction; there are no ambient
// singletons.
type Controller struct {
	log    zerolog.Logger
	neg    Negotiator
	dialer Dialer
	bridge audio.Bridge
	opts   Options

	connState *observe.Value[ConnState]
	level     *observe.Value[float64]
	machine   *turn.Machine

	mu sync.Mutex
	tr Transport

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	wg         sync.WaitGroup

	// outcomeMu guards the terminal outcome and every ConnState transition
	// that races with it.
	outcomeMu sync.Mutex
	settled   bool
	err       error
}

// New wires a controller from its collaborators.
func New(neg Negotiator, dialer Dialer, bridge audio.Bridge, opts Options, log zerolog.Logger) *Controller {
	return &Controller{
		log:       log.With().Str("component", "session").Logger(),
		neg:       neg,
		dialer:    dialer,
		bridge:    bridge,
		opts:      opts,
		connState: observe.NewValue(ConnState{Phase: PhaseIdle}),
		level:     observe.NewValue(0.0),
		machine:   turn.NewMachine(log),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ConnState is the observable connection lifecycle, read-only to callers.
func (c *Controller) ConnState() *observe.Value[ConnState] { return c.connState }

// TurnState is the observable turn state owned by the turn machine.
func (c *Controller) TurnState() *observe.Value[turn.State] { return c.machine.State() }

// Level is the observable capture energy for visualization.
func (c *Controller) Level() *observe.Value[float64] { return c.level }

// Notices yields transient, non-fatal UI events.
func (c *Controller) Notices() <-chan turn.Notice { return c.machine.Notices() }

// Turns yields completed assistant turns.
func (c *Controller) Turns() <-chan turn.Turn { return c.machine.Turns() }

// Done is closed when the session reaches a terminal phase.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done, nil for a clean end.
func (c *Controller) Err() error {
	c.outcomeMu.Lock()
	defer c.outcomeMu.Unlock()
	return c.err
}

// ErrCancelled is returned by Connect when Cancel arrived mid-attempt.
var ErrCancelled = errors.New("session: cancelled")

// cancelled reports whether Cancel has been issued.
func (c *Controller) cancelled() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// Connect negotiates, dials, and starts the session workers. It returns once
// the session is active (or failed); the session then runs until a terminal
// event or Cancel. Valid only from idle.
func (c *Controller) Connect(ctx context.Context) error {
	c.outcomeMu.Lock()
	if c.settled {
		c.outcomeMu.Unlock()
		return ErrCancelled
	}
	if cur := c.connState.Get(); cur.Phase != PhaseIdle {
		c.outcomeMu.Unlock()
		return fmt.Errorf("session: connect from phase %s", cur.Phase)
	}
	c.connState.Set(ConnState{Phase: PhaseConnecting})
	c.outcomeMu.Unlock()

	req := c.opts.Request
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	desc, err := c.neg.CreateSession(ctx, req)
	if err != nil {
		c.fail(err)
		return err
	}
	// Cancel may land while negotiation is in flight; it already settled the
	// closed outcome, so stop here before acquiring anything.
	if c.cancelled() {
		return ErrCancelled
	}
	c.log.Info().Str("session_id", desc.SessionID).Str("path", desc.WebsocketPath).Msg("session negotiated")

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	wsURL := strings.TrimRight(c.opts.WSBaseURL, "/") + desc.WebsocketPath
	tr, err := c.dialer.Dial(ctx, wsURL, header)
	if err != nil {
		terr := &TransportError{Err: err}
		c.fail(terr)
		return terr
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	// Cancel that raced the dial may have missed the transport; close it here.
	if c.cancelled() {
		_ = tr.Close()
		return ErrCancelled
	}

	start := wire.NewStartFrame()
	start.SessionID = desc.SessionID
	start.ChatSessionID = desc.ChatSessionID
	start.ContentID = req.ContentID
	start.LaunchMode = desc.LaunchMode
	start.SourceSurface = req.SourceSurface
	start.SampleRateHz = desc.SampleRateHz
	start.RequestIntro = req.RequestIntro
	if err := tr.SendJSON(start); err != nil {
		terr := &TransportError{Err: err}
		_ = tr.Close()
		c.fail(terr)
		return terr
	}

	// Entering active is atomic: the bridge and the turn machine start
	// together or the attempt fails before either is observable.
	if err := c.bridge.Start(ctx); err != nil {
		herr := &HardwareError{Err: err}
		_ = tr.Close()
		_ = c.bridge.Stop()
		c.fail(herr)
		return herr
	}
	// Entering connected and settling a terminal outcome are mutually
	// exclusive: if Cancel won, release the hardware it could not have seen.
	if !c.enterActive() {
		_ = tr.Close()
		_ = c.bridge.Stop()
		return ErrCancelled
	}
	c.machine.ConnectionEstablished()

	c.wg.Add(4)
	go c.recvLoop(tr)
	go c.captureLoop(tr)
	go c.playbackLoop()
	go c.watchMachine()
	return nil
}

// Cancel ends the session from any non-terminal state. It is idempotent and
// returns only after the transport is closed and the hardware released.
func (c *Controller) Cancel() {
	c.cancelOnce.Do(func() {
		close(c.cancelCh)
		c.mu.Lock()
		tr := c.tr
		c.mu.Unlock()
		if tr != nil {
			_ = tr.SendJSON(wire.NewControlFrame(wire.OpEndSession))
			_ = tr.Close()
		}
		_ = c.bridge.Stop()
		c.settle(ConnState{Phase: PhaseClosed}, nil)
	})
}

// fail records a terminal failure during connecting, before workers exist.
func (c *Controller) fail(err error) {
	_ = c.bridge.Stop()
	c.settle(ConnState{Phase: PhaseFailed, Reason: err.Error()}, err)
}

// failActive tears the active session down on a fatal mid-session error.
func (c *Controller) failActive(err error) {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	_ = c.bridge.Stop()
	c.settle(ConnState{Phase: PhaseFailed, Reason: err.Error()}, err)
}

// end records a clean remote close.
func (c *Controller) end() {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	_ = c.bridge.Stop()
	c.settle(ConnState{Phase: PhaseClosed}, nil)
}

// settle publishes exactly one terminal outcome. Resources are already
// released by the caller before the state becomes observable. The state write
// happens under outcomeMu so a racing enterActive cannot overwrite it.
func (c *Controller) settle(state ConnState, err error) {
	c.outcomeMu.Lock()
	if c.settled {
		c.outcomeMu.Unlock()
		return
	}
	c.settled = true
	c.err = err
	c.connState.Set(state)
	c.outcomeMu.Unlock()
	close(c.done)
	c.log.Info().Str("phase", string(state.Phase)).Str("reason", state.Reason).Msg("session settled")
}

// enterActive moves to connected unless a terminal outcome already landed.
func (c *Controller) enterActive() bool {
	c.outcomeMu.Lock()
	defer c.outcomeMu.Unlock()
	if c.settled {
		return false
	}
	c.connState.Set(ConnState{Phase: PhaseConnected})
	return true
}

func (c *Controller) recvLoop(tr Transport) {
	defer c.wg.Done()
	for {
		select {
		case <-c.cancelCh:
			return
		case f, ok := <-tr.Frames():
			if !ok {
				return
			}
			if f.Terminal() {
				select {
				case <-c.cancelCh:
					// Locally initiated close; Cancel owns the outcome.
				default:
					if f.Err != nil {
						c.failActive(&TransportError{Err: f.Err})
					} else {
						c.end()
					}
				}
				return
			}
			c.machine.HandleFrame(f.Data, f.Binary)
		}
	}
}

func (c *Controller) captureLoop(tr Transport) {
	defer c.wg.Done()
	var seq int64
	for {
		select {
		case <-c.cancelCh:
			return
		case chunk, ok := <-c.bridge.Capture():
			if !ok {
				return
			}
			rms := c.bridge.Level()
			c.level.Set(rms)
			c.machine.NotifyEnergy(rms)
			seq++
			if err := tr.SendJSON(wire.NewAudioFrame(seq, chunk)); err != nil {
				// The read side surfaces the terminal error; just stop sending.
				c.log.Debug().Err(err).Msg("capture send failed")
				return
			}
		}
	}
}

func (c *Controller) playbackLoop() {
	defer c.wg.Done()
	states := c.machine.State().Watch()
	for {
		select {
		case <-c.cancelCh:
			return
		case <-c.done:
			return
		case st := <-states:
			// Queued assistant audio is stale once the user starts talking.
			if st == turn.StateUserSpeaking {
				c.bridge.FlushPlayback()
			}
		case pcm := <-c.machine.AudioOut():
			c.bridge.Playback(pcm)
		}
	}
}

func (c *Controller) watchMachine() {
	defer c.wg.Done()
	select {
	case <-c.cancelCh:
		return
	case term := <-c.machine.Terminal():
		select {
		case <-c.cancelCh:
			return
		default:
		}
		if term.Err != nil {
			c.failActive(term.Err)
			return
		}
		c.log.Info().Str("reason", term.Reason).Msg("remote session end")
		c.end()
	}
}
