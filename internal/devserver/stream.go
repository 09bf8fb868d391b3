package devserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/willemave/news-app-sub002/internal/audio"
	"github.com/willemave/news-app-sub002/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// local development harness, any origin is fine
		return true
	},
}

// speechRMS is the capture energy treated as voice by the endpointing loop.
const speechRMS = 250.0

// endpointSilence is how long the meter must stay quiet before the user's
// utterance is considered finished.
const endpointSilence = 600 * time.Millisecond

// clientFrame is the union of the frames a client sends.
type clientFrame struct {
	Type         string `json:"type"`
	Op           string `json:"op,omitempty"`
	Seq          int64  `json:"seq,omitempty"`
	AudioB64     string `json:"audioB64,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	SampleRateHz int    `json:"sampleRateHz,omitempty"`
	RequestIntro bool   `json:"requestIntro,omitempty"`
}

// wsWriter serializes writes to one socket.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(ev wire.ServerEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(ev)
}

func (w *wsWriter) close() {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.mu.Unlock()
	_ = w.conn.Close()
}

// activeTurn tracks the single in-flight assistant turn.
type activeTurn struct {
	cancel     chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

func (t *activeTurn) stop() {
	if t == nil {
		return
	}
	t.cancelOnce.Do(func() { close(t.cancel) })
	<-t.done
}

func (t *activeTurn) running() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (s *Server) handleStream(c echo.Context) error {
	if !s.authOK(c.Request()) {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	st := s.lookupSession(c.Param("id"))
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown session")
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return nil
	}
	s.runStream(conn, st)
	return nil
}

func (s *Server) runStream(conn *websocket.Conn, st *sessionState) {
	defer s.dropSession(st.id)
	w := &wsWriter{conn: conn}
	defer w.close()
	log := s.log.With().Str("session_id", st.id).Logger()

	// First frame must be the start frame.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Msg("no start frame")
		return
	}
	var start clientFrame
	if jerr := json.Unmarshal(data, &start); jerr != nil || strings.ToLower(start.Type) != "start" {
		_ = w.send(wire.ServerEvent{Type: wire.TypeError, Code: "bad_start", Message: "expected start frame", Retryable: false})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	_ = w.send(wire.ServerEvent{Type: wire.TypeSessionReady, SessionID: st.id, TTSEnabled: true})
	log.Info().Msg("stream established")

	var turn *activeTurn
	startTurn := func(text string, intro bool) {
		if turn.running() {
			return
		}
		turn = &activeTurn{cancel: make(chan struct{}), done: make(chan struct{})}
		go func(t *activeTurn) {
			defer close(t.done)
			s.runAssistantTurn(w, st, text, intro, t.cancel)
		}(turn)
	}

	if st.requestIntro {
		startTurn(s.cfg.IntroText, true)
	}

	var meter audio.LevelMeter
	speaking := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("stream read ended")
			turn.stop()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch strings.ToLower(f.Type) {
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(f.AudioB64)
			if err != nil || len(pcm) == 0 {
				continue
			}
			rms := meter.Observe(pcm)
			if turn.running() {
				// Assistant is speaking; barge-in interrupts the turn.
				if rms >= speechRMS {
					turn.stop()
					speaking = true
					_ = w.send(wire.ServerEvent{Type: wire.TypeUserSpeechStart, SessionID: st.id})
				}
				continue
			}
			if !speaking && rms >= speechRMS {
				speaking = true
				_ = w.send(wire.ServerEvent{Type: wire.TypeUserSpeechStart, SessionID: st.id})
			}
			if speaking && !meter.RecentlyDetectedVoice(endpointSilence) {
				speaking = false
				_ = w.send(wire.ServerEvent{Type: wire.TypeUserSpeechEnd, SessionID: st.id})
				startTurn(s.cfg.ReplyText, false)
			}
		case "control":
			switch f.Op {
			case wire.OpPing:
				_ = w.send(wire.ServerEvent{Type: wire.TypePong})
			case wire.OpCancel:
				turn.stop()
			case wire.OpEndSession:
				turn.stop()
				_ = w.send(wire.ServerEvent{Type: wire.TypeSessionEnd, SessionID: st.id, Reason: "client_requested"})
				return
			}
		}
	}
}

// frameSink emits paced assistant audio frames over the socket.
type frameSink struct {
	w      *wsWriter
	turnID string
	format string

	mu   sync.Mutex
	seq  int64
	sent int64
}

func (f *frameSink) WriteFrame(pcm []byte) error {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.sent++
	f.mu.Unlock()
	return f.w.send(wire.ServerEvent{
		Type:     wire.TypeAssistantAudio,
		TurnID:   f.turnID,
		Seq:      &seq,
		AudioB64: base64.StdEncoding.EncodeToString(pcm),
		Format:   f.format,
	})
}

func (f *frameSink) frames() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

// runAssistantTurn streams one scripted turn: sequenced text chunks, then
// realtime-paced audio frames, then the end marker. Cancellation drops the
// remaining audio but still closes the turn.
func (s *Server) runAssistantTurn(w *wsWriter, st *sessionState, text string, intro bool, cancel <-chan struct{}) {
	turnID := uuid.NewString()
	seq := int64(0)
	startType := wire.TypeTurnStart
	if intro {
		startType = wire.TypeIntro
	}
	startSeq := seq
	_ = w.send(wire.ServerEvent{Type: startType, TurnID: turnID, Seq: &startSeq, IsIntro: intro})

	for _, chunk := range splitSentences(text) {
		seq++
		chunkSeq := seq
		_ = w.send(wire.ServerEvent{Type: wire.TypeAssistantText, TurnID: turnID, Seq: &chunkSeq, Text: chunk})
	}

	pcm, err := s.synth.Synthesize(text, st.sampleRate)
	if err != nil {
		s.log.Warn().Err(err).Msg("synthesis failed")
		_ = w.send(wire.ServerEvent{Type: wire.TypeError, Code: "tts_failed", Message: err.Error(), Retryable: true})
		_ = w.send(wire.ServerEvent{Type: wire.TypeTurnEnd, TurnID: turnID})
		return
	}

	sink := &frameSink{w: w, turnID: turnID, format: audio.FormatPCM16LE, seq: seq}
	player := audio.NewPacedPlayer(sink, st.sampleRate)
	player.WritePCM(pcm)
	player.FlushTail()

	frameBytes := st.sampleRate / 50 * 2
	expected := int64((len(pcm) + frameBytes - 1) / frameBytes)
	deadline := time.Now().Add(time.Duration(expected)*25*time.Millisecond + 3*time.Second)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
drain:
	for sink.frames() < expected {
		select {
		case <-cancel:
			player.Reset()
			break drain
		case <-ticker.C:
			if time.Now().After(deadline) {
				break drain
			}
		}
	}
	player.Close()
	_ = w.send(wire.ServerEvent{Type: wire.TypeTurnEnd, TurnID: turnID})
}

const pollInterval = 20 * time.Millisecond

// splitSentences cuts text into sentence-ish chunks for incremental delivery.
func splitSentences(text string) []string {
	var out []string
	cur := strings.Builder{}
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	if len(out) == 0 {
		out = []string{text}
	}
	return out
}
