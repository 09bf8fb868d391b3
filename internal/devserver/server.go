// Package devserver is a local stand-in for the voice backend. It speaks the
// same negotiation endpoint and realtime socket protocol as production, with
// scripted assistant turns, so the client can be exercised end to end without
// backend access.
package devserver

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/willemave/news-app-sub002/internal/negotiate"
)

// Config controls the dev server.
type Config struct {
	Address string
	// Token, when set, is required as a bearer token on negotiation and on
	// the socket handshake.
	Token        string
	SampleRateHz int
	// DeepgramAPIKey switches assistant audio from tone synthesis to real TTS.
	DeepgramAPIKey string
	IntroText      string
	ReplyText      string
}

type sessionState struct {
	id            string
	launchMode    string
	contentID     string
	chatSessionID int64
	requestIntro  bool
	sampleRate    int
}

// Server bundles the echo router and the in-memory session registry.
type Server struct {
	cfg   Config
	log   zerolog.Logger
	echo  *echo.Echo
	synth Synthesizer

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New constructs the dev server with routes registered.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.IntroText == "" {
		cfg.IntroText = "Welcome back. Ready when you are."
	}
	if cfg.ReplyText == "" {
		cfg.ReplyText = "Here is a quick summary of that piece. The author argues the main trend is accelerating."
	}

	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "devserver").Logger(),
		sessions: make(map[string]*sessionState),
	}
	if cfg.DeepgramAPIKey != "" {
		s.synth = NewDeepgramSynth(cfg.DeepgramAPIKey, "")
	} else {
		s.synth = ToneSynth{}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/v1/voice/sessions", s.handleCreateSession)
	e.GET("/v1/voice/stream/:id", s.handleStream)

	s.echo = e
	return s
}

// Start listens on the configured address and blocks.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.cfg.Address).Msg("dev server listening")
	return s.echo.Start(s.cfg.Address)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleCreateSession(c echo.Context) error {
	if !s.authOK(c.Request()) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	var req negotiate.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SampleRateHz == 0 {
		req.SampleRateHz = s.cfg.SampleRateHz
	}

	st := &sessionState{
		id:            uuid.NewString(),
		launchMode:    req.LaunchMode,
		contentID:     req.ContentID,
		chatSessionID: req.ChatSessionID,
		requestIntro:  req.RequestIntro,
		sampleRate:    req.SampleRateHz,
	}
	if st.chatSessionID == 0 {
		st.chatSessionID = int64(uuid.New().ID())
	}
	s.mu.Lock()
	s.sessions[st.id] = st
	s.mu.Unlock()

	s.log.Info().Str("session_id", st.id).Str("launch_mode", st.launchMode).Msg("session negotiated")
	return c.JSON(http.StatusOK, negotiate.Descriptor{
		SessionID:              st.id,
		WebsocketPath:          "/v1/voice/stream/" + st.id,
		SampleRateHz:           st.sampleRate,
		Channels:               1,
		AudioFormat:            "pcm_s16le",
		TTSOutputFormat:        "pcm_s16le",
		MaxInputSeconds:        120,
		ChatSessionID:          st.chatSessionID,
		LaunchMode:             st.launchMode,
		ContentContextAttached: st.contentID != "",
	})
}

// authOK accepts a bearer header or ?token= query parameter.
func (s *Server) authOK(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if q := r.URL.Query().Get("token"); q != "" && q == s.cfg.Token {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):]) == s.cfg.Token
	}
	return false
}

func (s *Server) lookupSession(id string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
