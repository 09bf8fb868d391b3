// Package audio bridges microphone capture and speaker playback to the voice
// session. The bridge owns the hardware exclusively for the session's
// lifetime and guarantees release on stop, error, or cancellation.
package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Bridge is the capture/playback contract consumed by the session controller.
// Capture and playback run concurrently with each other and with transport
// I/O; neither side may block the other.
type Bridge interface {
	// Start acquires the microphone and speaker. Both or neither.
	Start(ctx context.Context) error
	// Capture yields PCM16LE chunks until Stop. The channel is closed on Stop.
	Capture() <-chan []byte
	// Playback enqueues decoded audio for output in arrival order without
	// blocking the caller.
	Playback(pcm []byte)
	// FlushPlayback drops all queued output immediately.
	FlushPlayback()
	// Level reports the most recent capture energy (RMS, raw sample units).
	Level() float64
	// Stop releases the hardware. Idempotent.
	Stop() error
}

// voiceRMS is the energy above which a capture chunk counts as voice.
const voiceRMS = 250.0

// LevelMeter tracks capture energy over PCM16LE chunks.
type LevelMeter struct {
	mu        sync.Mutex
	rms       float64
	lastVoice time.Time
}

// Observe computes the chunk's RMS and records voice activity. Bigger chunks
// are sampled sparsely to keep this cheap on the capture path.
func (m *LevelMeter) Observe(pcm []byte) float64 {
	if len(pcm) < 2 {
		return m.Level()
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return m.Level()
	}
	rms := math.Sqrt(sumSquares / float64(count))
	m.mu.Lock()
	m.rms = rms
	if rms >= voiceRMS {
		m.lastVoice = time.Now()
	}
	m.mu.Unlock()
	return rms
}

// Level returns the last observed RMS.
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rms
}

// RecentlyDetectedVoice reports whether voice energy was seen within window.
func (m *LevelMeter) RecentlyDetectedVoice(window time.Duration) bool {
	m.mu.Lock()
	last := m.lastVoice
	m.mu.Unlock()
	return time.Since(last) <= window
}

// CaptureQueue is a bounded queue of capture chunks with drop-oldest
// overflow: under sustained backpressure voice latency matters more than
// completeness, so the newest audio wins.
type CaptureQueue struct {
	ch      chan []byte
	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewCaptureQueue returns a queue holding at most capacity chunks.
func NewCaptureQueue(capacity int) *CaptureQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &CaptureQueue{ch: make(chan []byte, capacity)}
}

// Push enqueues a chunk, evicting the oldest when full. Never blocks.
func (q *CaptureQueue) Push(pcm []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- pcm:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped++
		default:
		}
	}
}

// Out is the consumer side; closed by Close.
func (q *CaptureQueue) Out() <-chan []byte { return q.ch }

// Dropped returns the count of evicted chunks.
func (q *CaptureQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close closes the consumer channel. Idempotent.
func (q *CaptureQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
