package devserver

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// Synthesizer renders assistant text as PCM16LE mono audio.
type Synthesizer interface {
	Synthesize(text string, sampleRate int) ([]byte, error)
}

// DeepgramSynth speaks text through Deepgram's realtime TTS socket and
// collects the audio into one buffer.
type DeepgramSynth struct {
	apiKey string
	model  string
}

// NewDeepgramSynth builds a synthesizer; model defaults to a general voice.
func NewDeepgramSynth(apiKey, model string) *DeepgramSynth {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramSynth{apiKey: apiKey, model: model}
}

// Synthesize renders text at the given rate. The stream is considered done
// after a short idle window with no further audio, bounded by a hard deadline.
func (d *DeepgramSynth) Synthesize(text string, sampleRate int) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil, nil
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: sampleRate,
	}

	pcmCh := make(chan []byte, 4096)
	var lastRecvUnix int64
	var seenAudio int32
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
		atomic.StoreInt32(&seenAudio, 1)
		b := make([]byte, len(data))
		copy(b, data)
		select {
		case pcmCh <- b:
		default:
		}
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, fmt.Errorf("deepgram: flush: %w", err)
	}

	var out []byte
	idleWindow := 400 * time.Millisecond
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case b := <-pcmCh:
			out = append(out, b...)
		case <-ticker.C:
			if atomic.LoadInt32(&seenAudio) == 1 {
				last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
				if time.Since(last) > idleWindow {
					for {
						select {
						case b := <-pcmCh:
							out = append(out, b...)
						default:
							return out, nil
						}
					}
				}
			}
		}
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}

// ToneSynth renders a 440hz tone sized to the text length. It keeps the audio
// path exercisable without any TTS credentials.
type ToneSynth struct{}

// Synthesize produces roughly 60ms of tone per word, at least 400ms.
func (ToneSynth) Synthesize(text string, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	words := 1
	for _, r := range text {
		if r == ' ' {
			words++
		}
	}
	dur := time.Duration(words) * 60 * time.Millisecond
	if dur < 400*time.Millisecond {
		dur = 400 * time.Millisecond
	}
	samples := int(float64(sampleRate) * dur.Seconds())
	out := make([]byte, samples*2)
	phase := 0.0
	step := 2 * math.Pi * 440 / float64(sampleRate)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(phase) * 6000)
		phase += step
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out, nil
}
