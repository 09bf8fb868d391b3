package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// DeviceBridge implements Bridge on real hardware: malgo for microphone
// capture, oto for speaker playback. One bridge per session; Start acquires
// both devices and Stop releases them, always.
type DeviceBridge struct {
	log           zerolog.Logger
	sampleRate    int
	captureFormat string
	ttsFormat     string

	meter   LevelMeter
	queue   *CaptureQueue
	encoder *OpusEncoder
	decoder *OpusDecoder

	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	otoCtx   *oto.Context
	speaker  *pullSpeaker

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewDeviceBridge builds a bridge for the negotiated audio parameters.
// captureFormat selects uplink encoding: FormatPCM16LE passes microphone
// chunks through, FormatOpus encodes each 20ms chunk before it is queued.
// ttsFormat selects inbound decode the same way for playback.
func NewDeviceBridge(sampleRate int, captureFormat, ttsFormat string, log zerolog.Logger) (*DeviceBridge, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	b := &DeviceBridge{
		log:           log.With().Str("component", "audio").Logger(),
		sampleRate:    sampleRate,
		captureFormat: captureFormat,
		ttsFormat:     ttsFormat,
		queue:         NewCaptureQueue(64),
	}
	if captureFormat == FormatOpus {
		enc, err := NewOpusEncoder(sampleRate)
		if err != nil {
			return nil, err
		}
		b.encoder = enc
	}
	if ttsFormat == FormatOpus {
		dec, err := NewOpusDecoder(sampleRate)
		if err != nil {
			return nil, err
		}
		b.decoder = dec
	}
	return b, nil
}

// processCapture meters a raw microphone chunk and applies the negotiated
// uplink encoding. ok is false when the chunk must be dropped.
func (b *DeviceBridge) processCapture(chunk []byte) ([]byte, bool) {
	b.meter.Observe(chunk)
	if b.encoder == nil {
		return chunk, true
	}
	encoded, err := b.encoder.EncodePCM(chunk)
	if err != nil {
		b.log.Warn().Err(err).Msg("dropping unencodable capture chunk")
		return nil, false
	}
	return encoded, true
}

// Start acquires microphone and speaker. On partial failure everything
// acquired so far is released before returning.
func (b *DeviceBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("audio: bridge already started")
	}

	malgoCfg := malgo.ContextConfig{}
	malgoCfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, malgoCfg, nil)
	if err != nil {
		return fmt.Errorf("audio: init context: %w", err)
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = 1
	deviceCfg.SampleRate = uint32(b.sampleRate)
	deviceCfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			chunk := make([]byte, len(input))
			copy(chunk, input)
			if out, ok := b.processCapture(chunk); ok {
				b.queue.Push(out)
			}
		},
	}
	device, err := malgo.InitDevice(mctx.Context, deviceCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return fmt.Errorf("audio: init capture device: %w", err)
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   b.sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4800, // small buffer keeps playback latency low
	})
	if err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return fmt.Errorf("audio: init speaker: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		device.Uninit()
		_ = mctx.Uninit()
		return ctx.Err()
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	b.malgoCtx = mctx
	b.device = device
	b.otoCtx = otoCtx
	b.speaker = newPullSpeaker(otoCtx)
	b.started = true
	b.log.Debug().Int("sample_rate", b.sampleRate).Str("capture_format", b.captureFormat).Str("tts_format", b.ttsFormat).Msg("hardware acquired")
	return nil
}

// Capture yields microphone chunks; closed by Stop.
func (b *DeviceBridge) Capture() <-chan []byte { return b.queue.Out() }

// Playback enqueues TTS audio for the speaker, decoding opus when negotiated.
// Never blocks; malformed opus frames are dropped and logged.
func (b *DeviceBridge) Playback(pcm []byte) {
	b.mu.Lock()
	speaker := b.speaker
	b.mu.Unlock()
	if speaker == nil {
		return
	}
	if b.decoder != nil {
		decoded, err := b.decoder.DecodePCM(pcm)
		if err != nil {
			b.log.Warn().Err(err).Msg("dropping undecodable audio frame")
			return
		}
		pcm = decoded
	}
	speaker.Write(pcm)
}

// FlushPlayback drops queued speaker audio immediately.
func (b *DeviceBridge) FlushPlayback() {
	b.mu.Lock()
	speaker := b.speaker
	b.mu.Unlock()
	if speaker != nil {
		speaker.Flush()
	}
}

// Level reports the latest capture RMS.
func (b *DeviceBridge) Level() float64 { return b.meter.Level() }

// Stop releases microphone and speaker. Idempotent and safe to call even if
// Start failed or was never called.
func (b *DeviceBridge) Stop() error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.device != nil {
			_ = b.device.Stop()
			b.device.Uninit()
			b.device = nil
		}
		if b.speaker != nil {
			b.speaker.Close()
			b.speaker = nil
		}
		if b.malgoCtx != nil {
			_ = b.malgoCtx.Uninit()
			b.malgoCtx.Free()
			b.malgoCtx = nil
		}
		b.queue.Close()
		b.started = false
		b.log.Debug().Msg("hardware released")
	})
	return nil
}

// pullSpeaker buffers PCM and feeds oto's pull-based player.
type pullSpeaker struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newPullSpeaker(ctx *oto.Context) *pullSpeaker {
	s := &pullSpeaker{otoCtx: ctx}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write appends PCM and starts the player on first audio.
func (s *pullSpeaker) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for oto; it blocks until audio or close and
// returns silence while draining after close.
func (s *pullSpeaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards pending audio and stops the current player so the next
// write starts clean. Used for barge-in style interruption.
func (s *pullSpeaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()
		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *pullSpeaker) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.mu.Unlock()
	if player != nil {
		player.Close()
	}
}
