package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loudChunk(samples int, amplitude uint16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], amplitude)
	}
	return out
}

func TestLevelMeter_LoudChunkRegistersVoice(t *testing.T) {
	var m LevelMeter
	assert.False(t, m.RecentlyDetectedVoice(time.Second))

	rms := m.Observe(loudChunk(160, 3000))
	assert.Greater(t, rms, voiceRMS)
	assert.True(t, m.RecentlyDetectedVoice(time.Second))
	assert.Equal(t, rms, m.Level())
}

func TestLevelMeter_SilenceDoesNotRegisterVoice(t *testing.T) {
	var m LevelMeter
	m.Observe(make([]byte, 160*2))
	assert.False(t, m.RecentlyDetectedVoice(time.Second))
	assert.Equal(t, float64(0), m.Level())
}

func TestCaptureQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewCaptureQueue(2)
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Push([]byte{3}) // evicts {1}

	assert.Equal(t, []byte{2}, <-q.Out())
	assert.Equal(t, []byte{3}, <-q.Out())
	assert.Equal(t, int64(1), q.Dropped())
}

func TestCaptureQueue_CloseIsIdempotentAndEndsConsumer(t *testing.T) {
	q := NewCaptureQueue(2)
	q.Push([]byte{1})
	q.Close()
	q.Close()
	q.Push([]byte{2}) // ignored after close

	got, ok := <-q.Out()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, got)
	_, ok = <-q.Out()
	assert.False(t, ok)
}
