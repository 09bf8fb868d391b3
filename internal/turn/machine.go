package turn

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/willemave/news-app-sub002/internal/observe"
	"github.com/willemave/news-app-sub002/internal/wire"
)

const (
	// Two consecutive malformed frames surface a transient notice; this many
	// escalate to a fatal protocol error.
	malformedNoticeAfter = 2
	malformedFatalAfter  = 8

	// Capture energy above this counts as the user starting to speak.
	defaultEnergyThreshold = 250.0
)

// Machine applies inbound server events plus local energy readings and owns
// the TurnState. It is safe for concurrent use; in practice one goroutine
// feeds frames and another feeds energy readings.
type Machine struct {
	log             zerolog.Logger
	state           *observe.Value[State]
	energyThreshold float64

	notices  chan Notice
	turns    chan Turn
	audioOut chan []byte
	terminal chan Termination

	mu         sync.Mutex
	active     *turnAccum
	malformed  int
	arrivalSeq int
	terminated bool
}

// NewMachine constructs an idle machine.
func NewMachine(log zerolog.Logger) *Machine {
	return &Machine{
		log:             log.With().Str("component", "turn").Logger(),
		state:           observe.NewValue(StateIdle),
		energyThreshold: defaultEnergyThreshold,
		notices:         make(chan Notice, 16),
		turns:           make(chan Turn, 16),
		audioOut:        make(chan []byte, 256),
		terminal:        make(chan Termination, 1),
	}
}

// State returns the observable turn state, read-only to callers.
func (m *Machine) State() *observe.Value[State] { return m.state }

// Notices yields transient UI events (retryable errors, malformed warnings).
func (m *Machine) Notices() <-chan Notice { return m.notices }

// Turns yields completed assistant turns.
func (m *Machine) Turns() <-chan Turn { return m.turns }

// AudioOut yields assistant audio chunks as they become deliverable in seq
// order. A slow consumer never stalls frame processing: the oldest chunk is
// evicted under backpressure.
func (m *Machine) AudioOut() <-chan []byte { return m.audioOut }

// Terminal fires once when processing ends (clean remote close or fatal).
func (m *Machine) Terminal() <-chan Termination { return m.terminal }

// ConnectionEstablished moves idle to listening once the transport is up.
func (m *Machine) ConnectionEstablished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Get() == StateIdle {
		m.setState(StateListening)
	}
}

// NotifyEnergy feeds a local capture RMS reading. Crossing the threshold
// while listening counts as the user starting to speak.
func (m *Machine) NotifyEnergy(rms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Get() == StateListening && rms >= m.energyThreshold {
		m.setState(StateUserSpeaking)
	}
}

// ActiveTurnText returns the accumulated text of the in-flight turn in seq
// order, empty when no turn is active.
func (m *Machine) ActiveTurnText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.text()
}

// HandleFrame processes one transport frame. Malformed control frames are
// dropped and counted, never fatal on their own.
func (m *Machine) HandleFrame(data []byte, binary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return
	}

	if binary {
		// Raw PCM for the active turn, arrival-ordered.
		if m.active == nil {
			m.log.Debug().Int("bytes", len(data)).Msg("binary audio with no active turn, dropping")
			return
		}
		m.malformed = 0
		m.ingestFragment(m.active.id, fragment{arrival: m.nextArrival(), audio: data})
		return
	}

	ev, err := wire.DecodeServerEvent(data)
	if err != nil {
		m.malformed++
		m.log.Warn().Err(err).Int("consecutive", m.malformed).Msg("dropping malformed frame")
		if m.malformed == malformedNoticeAfter {
			m.emitNotice(Notice{Code: "malformed_frames", Message: "dropping malformed frames from server", Retryable: true})
		}
		if m.malformed >= malformedFatalAfter {
			m.fail(&ProtocolError{Consecutive: m.malformed, Last: err})
		}
		return
	}
	m.malformed = 0
	m.apply(ev)
}

// apply runs the transition table. Caller holds m.mu.
func (m *Machine) apply(ev wire.ServerEvent) {
	switch ev.Type {
	case wire.TypeSessionReady:
		if m.state.Get() == StateIdle {
			m.setState(StateListening)
		}

	case wire.TypeUserSpeechStart:
		if m.state.Get() == StateListening {
			m.setState(StateUserSpeaking)
		}

	case wire.TypeUserSpeechEnd:
		if m.state.Get() == StateUserSpeaking {
			m.setState(StateThinking)
		}

	case wire.TypeTurnStart, wire.TypeIntro:
		m.beginTurn(ev.TurnID, ev.Type == wire.TypeIntro || ev.IsIntro)
		if st := m.state.Get(); st == StateUserSpeaking || st == StateListening {
			m.setState(StateThinking)
		}
		// Ingest even when empty: a sequenced turn_start anchors the base seq
		// so later audio is only released once contiguous from it.
		m.ingestEvent(ev)

	case wire.TypeAssistantText, wire.TypeAssistantAudio:
		m.ingestEvent(ev)

	case wire.TypeTurnEnd:
		m.endTurn(ev.TurnID)

	case wire.TypeError:
		if ev.Retryable {
			m.emitNotice(Notice{Code: ev.Code, Message: ev.Message, Retryable: true})
			return
		}
		m.fail(&RemoteError{Code: ev.Code, Message: ev.Message})

	case wire.TypeSessionEnd:
		m.flushActive(true)
		m.terminate(Termination{Reason: ev.Reason})

	case wire.TypePong:
		// keepalive, nothing to do
	}
}

// ingestEvent routes a text/audio fragment, starting a new turn when the
// turnId differs from the active one.
func (m *Machine) ingestEvent(ev wire.ServerEvent) {
	audio, err := ev.Audio()
	if err != nil {
		m.log.Warn().Err(err).Str("turn_id", ev.TurnID).Msg("dropping fragment with bad audio payload")
		return
	}
	frag := fragment{seq: ev.Seq, arrival: m.nextArrival(), text: ev.Text, audio: audio}
	m.ingestFragment(ev.TurnID, frag)
}

func (m *Machine) ingestFragment(turnID string, frag fragment) {
	if m.active == nil || (turnID != "" && turnID != m.active.id) {
		// A different turnId ends the previous turn before its own first event.
		m.beginTurn(turnID, false)
	}
	m.active.add(frag)
	if m.state.Get() == StateThinking && (frag.text != "" || len(frag.audio) > 0) {
		m.setState(StateAssistantSpeaking)
	}
	for _, audio := range m.active.deliverable() {
		m.emitAudio(audio)
	}
}

// beginTurn flushes any prior accumulation and opens a new turn.
func (m *Machine) beginTurn(turnID string, isIntro bool) {
	if m.active != nil && m.active.id == turnID {
		if isIntro {
			m.active.isIntro = true
		}
		return
	}
	m.flushActive(false)
	m.active = &turnAccum{id: turnID, isIntro: isIntro, delivered: -1}
}

// endTurn completes the active turn; a stream-end for a different turnId is
// treated as ending the active one anyway (the server moved on).
func (m *Machine) endTurn(turnID string) {
	if m.active == nil {
		if m.state.Get() == StateAssistantSpeaking {
			m.setState(StateListening)
		}
		return
	}
	if turnID != "" && turnID != m.active.id {
		m.log.Debug().Str("got", turnID).Str("active", m.active.id).Msg("turn_end for non-active turn")
	}
	m.flushActive(true)
	if st := m.state.Get(); st == StateAssistantSpeaking || st == StateThinking {
		m.setState(StateListening)
	}
}

// flushActive drains remaining buffered audio in seq order and emits the
// completed turn. complete=false marks it interrupted by a newer turn.
func (m *Machine) flushActive(complete bool) {
	if m.active == nil {
		return
	}
	for _, audio := range m.active.flushRemaining() {
		m.emitAudio(audio)
	}
	t := Turn{
		ID:          m.active.id,
		Text:        m.active.text(),
		Audio:       m.active.allAudio(),
		IsIntro:     m.active.isIntro,
		Interrupted: !complete,
	}
	m.active = nil
	select {
	case m.turns <- t:
	default:
		m.log.Warn().Str("turn_id", t.ID).Msg("turn consumer lagging, dropping completed turn")
	}
}

func (m *Machine) fail(err error) {
	m.flushActive(true)
	m.setState(StateError)
	m.terminate(Termination{Err: err})
}

func (m *Machine) terminate(t Termination) {
	if m.terminated {
		return
	}
	m.terminated = true
	m.terminal <- t
}

func (m *Machine) setState(s State) {
	m.state.Set(s)
	m.log.Debug().Str("state", string(s)).Msg("turn state")
}

func (m *Machine) emitNotice(n Notice) {
	select {
	case m.notices <- n:
	default:
	}
}

// emitAudio never blocks frame processing; oldest chunk loses.
func (m *Machine) emitAudio(audio []byte) {
	if len(audio) == 0 {
		return
	}
	for {
		select {
		case m.audioOut <- audio:
			return
		default:
		}
		select {
		case <-m.audioOut:
		default:
		}
	}
}

func (m *Machine) nextArrival() int {
	m.arrivalSeq++
	return m.arrivalSeq
}

// fragment is one text/audio piece of a turn. Sequenced fragments sort by
// seq; unsequenced ones keep arrival order after all sequenced ones.
type fragment struct {
	seq     *int64
	arrival int
	text    string
	audio   []byte
}

type turnAccum struct {
	id      string
	isIntro bool
	frags   []fragment
	// delivered is the highest seq whose audio has been handed to playback;
	// -1 until the first sequenced fragment goes out.
	delivered   int64
	haveFirst   bool
	firstSeq    int64
	unseqQueued []int // arrival ids of unsequenced fragments not yet delivered
}

func (a *turnAccum) add(f fragment) {
	a.frags = append(a.frags, f)
	if f.seq != nil && (!a.haveFirst || *f.seq < a.firstSeq) {
		a.haveFirst = true
		a.firstSeq = *f.seq
	}
	if f.seq == nil && len(f.audio) > 0 {
		a.unseqQueued = append(a.unseqQueued, f.arrival)
	}
}

// sorted returns fragments ordered by seq ascending, with unsequenced
// fragments after them in arrival order.
func (a *turnAccum) sorted() []fragment {
	out := make([]fragment, len(a.frags))
	copy(out, a.frags)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].seq, out[j].seq
		switch {
		case si != nil && sj != nil:
			return *si < *sj
		case si != nil:
			return true
		case sj != nil:
			return false
		default:
			return out[i].arrival < out[j].arrival
		}
	})
	return out
}

func (a *turnAccum) text() string {
	var s string
	for _, f := range a.sorted() {
		s += f.text
	}
	return s
}

func (a *turnAccum) allAudio() []byte {
	var out []byte
	for _, f := range a.sorted() {
		out = append(out, f.audio...)
	}
	return out
}

// deliverable returns audio that is now safe to play: sequenced fragments
// contiguous from the first seq that have not gone out yet, plus any
// unsequenced audio (arrival-ordered, delivered immediately).
func (a *turnAccum) deliverable() [][]byte {
	var out [][]byte
	for _, arrival := range a.unseqQueued {
		for _, f := range a.frags {
			if f.seq == nil && f.arrival == arrival {
				out = append(out, f.audio)
			}
		}
	}
	a.unseqQueued = a.unseqQueued[:0]

	if !a.haveFirst {
		return out
	}
	if a.delivered < a.firstSeq-1 {
		a.delivered = a.firstSeq - 1
	}
	for {
		next := a.delivered + 1
		found := false
		for _, f := range a.frags {
			if f.seq != nil && *f.seq == next {
				if len(f.audio) > 0 {
					out = append(out, f.audio)
				}
				a.delivered = next
				found = true
				break
			}
		}
		if !found {
			return out
		}
	}
}

// flushRemaining hands out all sequenced audio past the delivery watermark
// in seq order, gaps and all. Called at turn end.
func (a *turnAccum) flushRemaining() [][]byte {
	var out [][]byte
	for _, f := range a.sorted() {
		if f.seq == nil {
			continue // unsequenced audio was delivered on arrival
		}
		if *f.seq > a.delivered && len(f.audio) > 0 {
			out = append(out, f.audio)
			a.delivered = *f.seq
		}
	}
	for _, arrival := range a.unseqQueued {
		for _, f := range a.frags {
			if f.seq == nil && f.arrival == arrival {
				out = append(out, f.audio)
			}
		}
	}
	a.unseqQueued = a.unseqQueued[:0]
	return out
}
