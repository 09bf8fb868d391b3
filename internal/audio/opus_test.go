package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinePCM(sampleRate int, hz float64, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestOpusRoundTrip(t *testing.T) {
	const rate = 16000
	enc, err := NewOpusEncoder(rate)
	require.NoError(t, err)
	dec, err := NewOpusDecoder(rate)
	require.NoError(t, err)

	// one 20ms frame
	pcm := sinePCM(rate, 440, rate/50)
	packet, err := enc.EncodePCM(pcm)
	require.NoError(t, err)
	assert.NotEmpty(t, packet)
	assert.Less(t, len(packet), len(pcm))

	decoded, err := dec.DecodePCM(packet)
	require.NoError(t, err)
	assert.Equal(t, len(pcm), len(decoded))
}

func TestDeviceBridge_OpusCaptureFormatEncodesChunks(t *testing.T) {
	const rate = 16000
	b, err := NewDeviceBridge(rate, FormatOpus, FormatPCM16LE, zerolog.Nop())
	require.NoError(t, err)

	pcm := sinePCM(rate, 440, rate/50)
	out, ok := b.processCapture(pcm)
	require.True(t, ok)
	assert.NotEmpty(t, out)
	assert.Less(t, len(out), len(pcm), "capture chunk must leave compressed")
	assert.Greater(t, b.Level(), 0.0, "metering runs on the raw chunk")

	// A chunk that is not a legal opus frame duration is dropped, not queued.
	_, ok = b.processCapture(pcm[:30])
	assert.False(t, ok)
}

func TestDeviceBridge_PCMCaptureFormatPassesThrough(t *testing.T) {
	b, err := NewDeviceBridge(16000, FormatPCM16LE, FormatPCM16LE, zerolog.Nop())
	require.NoError(t, err)

	pcm := sinePCM(16000, 440, 320)
	out, ok := b.processCapture(pcm)
	require.True(t, ok)
	assert.Equal(t, pcm, out)
}

func TestOpusDecoder_RejectsGarbage(t *testing.T) {
	dec, err := NewOpusDecoder(16000)
	require.NoError(t, err)
	_, err = dec.DecodePCM([]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Error(t, err)
}
