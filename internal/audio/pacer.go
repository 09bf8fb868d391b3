package audio

import (
	"sync"
	"time"
)

// Sink consumes fixed-duration PCM frames produced by the pacer.
type Sink interface {
	WriteFrame(pcm []byte) error
}

const pacerFrameDur = 20 * time.Millisecond

// PacedPlayer buffers PCM16LE mono audio and emits fixed 20ms frames to a
// sink at realtime pace. Enqueueing never blocks the caller; when the frame
// queue is full the newest audio is dropped.
type PacedPlayer struct {
	sink         Sink
	frameSamples int
	pcmBuf       []int16
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewPacedPlayer constructs a paced player with 20ms frames at the given
// sample rate and starts its pacer goroutine.
func NewPacedPlayer(sink Sink, sampleRate int) *PacedPlayer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	p := &PacedPlayer{
		sink:         sink,
		frameSamples: sampleRate / 50,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go p.pacer()
	return p
}

// WritePCM buffers PCM16LE bytes and cuts full frames into the pace queue.
func (p *PacedPlayer) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	need := len(pcmBytes) / 2
	startLen := len(p.pcmBuf)
	if cap(p.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, p.pcmBuf)
		p.pcmBuf = tmp
	}
	p.pcmBuf = p.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		p.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	for len(p.pcmBuf) >= p.frameSamples {
		frame := make([]byte, p.frameSamples*2)
		for i := 0; i < p.frameSamples; i++ {
			v := uint16(p.pcmBuf[i])
			frame[2*i] = byte(v)
			frame[2*i+1] = byte(v >> 8)
		}
		p.pushFrame(frame)
		copy(p.pcmBuf, p.pcmBuf[p.frameSamples:])
		p.pcmBuf = p.pcmBuf[:len(p.pcmBuf)-p.frameSamples]
	}
}

// FlushTail pads the remaining buffered PCM to a full frame so the last
// syllable is not clipped.
func (p *PacedPlayer) FlushTail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pcmBuf) == 0 {
		return
	}
	frame := make([]byte, p.frameSamples*2)
	for i := 0; i < len(p.pcmBuf) && i < p.frameSamples; i++ {
		v := uint16(p.pcmBuf[i])
		frame[2*i] = byte(v)
		frame[2*i+1] = byte(v >> 8)
	}
	p.pcmBuf = p.pcmBuf[:0]
	p.pushFrame(frame)
}

// Reset drops all queued frames and buffered PCM for immediate interruption.
func (p *PacedPlayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case <-p.frames:
		default:
			p.pcmBuf = p.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacer. Idempotent.
func (p *PacedPlayer) Close() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()
}

func (p *PacedPlayer) pacer() {
	ticker := time.NewTicker(pacerFrameDur)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-p.frames:
				_ = p.sink.WriteFrame(frame)
			default:
			}
		}
	}
}

// pushFrame enqueues without blocking; the oldest queued frame is evicted
// when the queue is full. Caller holds p.mu.
func (p *PacedPlayer) pushFrame(frame []byte) {
	for {
		select {
		case p.frames <- frame:
			return
		default:
		}
		select {
		case <-p.frames:
		default:
		}
	}
}
