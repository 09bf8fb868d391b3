package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

// Format tags negotiated for session audio.
const (
	FormatPCM16LE = "pcm_s16le"
	FormatOpus    = "opus"
)

// OpusDecoder turns inbound opus TTS frames into PCM16LE for playback.
type OpusDecoder struct {
	dec     *opus.Decoder
	samples []int16
}

// NewOpusDecoder creates a mono decoder at the negotiated sample rate.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder: %w", err)
	}
	// 120ms at 48kHz is the largest legal opus frame
	return &OpusDecoder{dec: dec, samples: make([]int16, 5760)}, nil
}

// DecodePCM decodes one opus frame to PCM16LE bytes.
func (d *OpusDecoder) DecodePCM(frame []byte) ([]byte, error) {
	n, err := d.dec.Decode(frame, d.samples)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(d.samples[i]))
	}
	return out, nil
}

// OpusEncoder compresses capture PCM when the backend negotiates opus uplink.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates a mono VoIP-tuned encoder at the given sample rate.
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, buf: make([]byte, 4000)}, nil
}

// EncodePCM encodes one PCM16LE chunk; the chunk must be a legal opus frame
// duration (2.5/5/10/20/40/60ms) at the encoder's sample rate.
func (e *OpusEncoder) EncodePCM(pcm []byte) ([]byte, error) {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	n, err := e.enc.Encode(samples, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}
