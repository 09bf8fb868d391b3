// Package config loads client and dev-server settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds application configuration.
type Config struct {
	// APIBaseURL is the HTTP base of the voice backend, e.g. https://api.example.com.
	APIBaseURL string
	// WSBaseURL is the websocket base; derived from APIBaseURL when unset.
	WSBaseURL string
	// APIToken authenticates both negotiation and the realtime socket.
	APIToken string

	SampleRateHz int
	// CaptureFormat and TTSFormat are the uplink/downlink audio encodings,
	// pcm_s16le or opus.
	CaptureFormat string
	TTSFormat     string
	LaunchMode    string
	SourceSurface string
	ContentID     string
	RequestIntro  bool

	// DevServerAddress is where cmd/devserver listens.
	DevServerAddress string
	// DeepgramAPIKey enables real speech synthesis in the dev server.
	DeepgramAPIKey string

	LogLevel zerolog.Level
}

// Load reads environment variables and returns Config with sane defaults.
// The caller supplies the logger; missing-secret warnings go through it.
func Load(log zerolog.Logger) Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	base := os.Getenv("API_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	wsBase := os.Getenv("WS_BASE_URL")
	if wsBase == "" {
		wsBase = deriveWSBase(base)
	}

	token := os.Getenv("API_TOKEN")
	if token == "" {
		log.Warn().Msg("API_TOKEN not set, requests will be unauthenticated")
	}

	rate := 16000
	if v := os.Getenv("SAMPLE_RATE_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rate = n
		}
	}

	captureFormat := os.Getenv("CAPTURE_FORMAT")
	if captureFormat == "" {
		captureFormat = "pcm_s16le"
	}
	ttsFormat := os.Getenv("TTS_FORMAT")
	if ttsFormat == "" {
		ttsFormat = "pcm_s16le"
	}

	mode := os.Getenv("LAUNCH_MODE")
	if mode == "" {
		mode = "general"
	}
	surface := os.Getenv("SOURCE_SURFACE")
	if surface == "" {
		surface = "cli"
	}

	devAddr := os.Getenv("DEV_SERVER_ADDRESS")
	if devAddr == "" {
		devAddr = ":8080"
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Debug().Msg("DEEPGRAM_API_KEY not set, dev server uses tone synthesis")
	}

	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}

	return Config{
		APIBaseURL:       base,
		WSBaseURL:        wsBase,
		APIToken:         token,
		SampleRateHz:     rate,
		CaptureFormat:    captureFormat,
		TTSFormat:        ttsFormat,
		LaunchMode:       mode,
		SourceSurface:    surface,
		ContentID:        os.Getenv("CONTENT_ID"),
		RequestIntro:     os.Getenv("REQUEST_INTRO") == "true",
		DevServerAddress: devAddr,
		DeepgramAPIKey:   deepgramKey,
		LogLevel:         level,
	}
}

// deriveWSBase maps an http(s) base URL to its ws(s) counterpart.
func deriveWSBase(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return httpBase
	}
}
