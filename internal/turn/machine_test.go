package turn

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine() *Machine {
	m := NewMachine(zerolog.Nop())
	m.ConnectionEstablished()
	return m
}

func frame(m *Machine, raw string) { m.HandleFrame([]byte(raw), false) }

func drainAudio(m *Machine) [][]byte {
	var out [][]byte
	for {
		select {
		case a := <-m.AudioOut():
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestMachine_ConnectionEstablishedEnablesListening(t *testing.T) {
	m := NewMachine(zerolog.Nop())
	assert.Equal(t, StateIdle, m.State().Get())
	m.ConnectionEstablished()
	assert.Equal(t, StateListening, m.State().Get())
}

func TestMachine_FullTurnCycle(t *testing.T) {
	m := newTestMachine()

	frame(m, `{"type":"user_speech_start"}`)
	assert.Equal(t, StateUserSpeaking, m.State().Get())

	frame(m, `{"type":"user_speech_end"}`)
	assert.Equal(t, StateThinking, m.State().Get())

	frame(m, `{"type":"turn_start","turnId":"t1","seq":0}`)
	assert.Equal(t, StateThinking, m.State().Get())

	frame(m, `{"type":"assistant_text","turnId":"t1","seq":1,"text":"Hello."}`)
	assert.Equal(t, StateAssistantSpeaking, m.State().Get())

	frame(m, `{"type":"turn_end","turnId":"t1"}`)
	assert.Equal(t, StateListening, m.State().Get())

	done := <-m.Turns()
	assert.Equal(t, "t1", done.ID)
	assert.Equal(t, "Hello.", done.Text)
	assert.False(t, done.Interrupted)
}

func TestMachine_LocalEnergyCrossesThreshold(t *testing.T) {
	m := newTestMachine()
	m.NotifyEnergy(100)
	assert.Equal(t, StateListening, m.State().Get())
	m.NotifyEnergy(400)
	assert.Equal(t, StateUserSpeaking, m.State().Get())
	// Energy has no effect outside listening.
	m.NotifyEnergy(400)
	assert.Equal(t, StateUserSpeaking, m.State().Get())
}

func TestMachine_TextReorderedBySeq(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"turn_start","turnId":"t1","seq":0}`)
	frame(m, `{"type":"assistant_text","turnId":"t1","seq":2,"text":"B"}`)
	frame(m, `{"type":"assistant_text","turnId":"t1","seq":1,"text":"A"}`)

	// Accumulated in seq order before the turn-end marker arrives.
	assert.Equal(t, "AB", m.ActiveTurnText())

	frame(m, `{"type":"turn_end","turnId":"t1"}`)
	done := <-m.Turns()
	assert.Equal(t, "AB", done.Text)
}

func TestMachine_AudioHeldUntilContiguousFromBaseSeq(t *testing.T) {
	m := newTestMachine()
	b64 := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

	frame(m, `{"type":"turn_start","turnId":"t1","seq":0}`)
	frame(m, fmt.Sprintf(`{"type":"assistant_audio","turnId":"t1","seq":2,"audioB64":"%s"}`, b64([]byte{2})))
	// seq 1 is missing: nothing deliverable yet.
	assert.Empty(t, drainAudio(m))

	frame(m, fmt.Sprintf(`{"type":"assistant_audio","turnId":"t1","seq":1,"audioB64":"%s"}`, b64([]byte{1})))
	got := drainAudio(m)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{1}, got[0])
	assert.Equal(t, []byte{2}, got[1])
}

func TestMachine_TurnEndFlushesGappedAudioInSeqOrder(t *testing.T) {
	m := newTestMachine()
	b64 := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

	frame(m, `{"type":"turn_start","turnId":"t1","seq":0}`)
	frame(m, fmt.Sprintf(`{"type":"assistant_audio","turnId":"t1","seq":3,"audioB64":"%s"}`, b64([]byte{3})))
	frame(m, fmt.Sprintf(`{"type":"assistant_audio","turnId":"t1","seq":2,"audioB64":"%s"}`, b64([]byte{2})))
	frame(m, `{"type":"turn_end","turnId":"t1"}`)

	got := drainAudio(m)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{2}, got[0])
	assert.Equal(t, []byte{3}, got[1])

	done := <-m.Turns()
	assert.Equal(t, []byte{2, 3}, done.Audio)
}

func TestMachine_NewTurnIDFlushesPreviousTurn(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"turn_start","turnId":"t1","seq":0}`)
	frame(m, `{"type":"assistant_text","turnId":"t1","seq":1,"text":"first"}`)

	// A frame for a different turnId ends t1 before t2's first event.
	frame(m, `{"type":"assistant_text","turnId":"t2","seq":0,"text":"second"}`)

	prior := <-m.Turns()
	assert.Equal(t, "t1", prior.ID)
	assert.Equal(t, "first", prior.Text)
	assert.True(t, prior.Interrupted)

	assert.Equal(t, "second", m.ActiveTurnText())
}

func TestMachine_BinaryAudioArrivalOrder(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"turn_start","turnId":"t1"}`)
	m.HandleFrame([]byte{9}, true)
	m.HandleFrame([]byte{8}, true)

	got := drainAudio(m)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{9}, got[0])
	assert.Equal(t, []byte{8}, got[1])
}

func TestMachine_BinaryAudioWithoutTurnDropped(t *testing.T) {
	m := newTestMachine()
	m.HandleFrame([]byte{1, 2}, true)
	assert.Empty(t, drainAudio(m))
}

func TestMachine_RetryableErrorIsNoticeOnly(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"error","code":"overloaded","message":"try later","retryable":true}`)

	assert.Equal(t, StateListening, m.State().Get())
	n := <-m.Notices()
	assert.Equal(t, "overloaded", n.Code)
	select {
	case term := <-m.Terminal():
		t.Fatalf("unexpected termination: %+v", term)
	default:
	}
}

func TestMachine_NonRetryableErrorIsFatal(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"error","code":"auth_expired","message":"token expired","retryable":false}`)

	assert.Equal(t, StateError, m.State().Get())
	term := <-m.Terminal()
	require.Error(t, term.Err)
	var remote *RemoteError
	require.ErrorAs(t, term.Err, &remote)
	assert.Equal(t, "auth_expired", remote.Code)
}

func TestMachine_SessionEndIsCleanTermination(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"session_end","reason":"user_done"}`)
	term := <-m.Terminal()
	assert.NoError(t, term.Err)
	assert.Equal(t, "user_done", term.Reason)
}

func TestMachine_MalformedFramesDroppedThenNoticed(t *testing.T) {
	m := newTestMachine()

	frame(m, `garbage`)
	select {
	case n := <-m.Notices():
		t.Fatalf("one malformed frame should not notice: %+v", n)
	default:
	}

	frame(m, `also-garbage`)
	n := <-m.Notices()
	assert.Equal(t, "malformed_frames", n.Code)
	assert.Equal(t, StateListening, m.State().Get())

	// A good frame resets the counter.
	frame(m, `{"type":"pong"}`)
	frame(m, `garbage-again`)
	select {
	case n := <-m.Notices():
		t.Fatalf("counter should have reset: %+v", n)
	default:
	}
}

func TestMachine_RepeatedMalformedEscalatesFatal(t *testing.T) {
	m := newTestMachine()
	for i := 0; i < malformedFatalAfter; i++ {
		frame(m, `garbage`)
	}
	term := <-m.Terminal()
	var perr *ProtocolError
	require.ErrorAs(t, term.Err, &perr)
	assert.Equal(t, malformedFatalAfter, perr.Consecutive)
	assert.Equal(t, StateError, m.State().Get())
}

func TestMachine_IntroTurnMarked(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"intro","turnId":"i1","text":"Welcome back."}`)
	frame(m, `{"type":"turn_end","turnId":"i1"}`)
	done := <-m.Turns()
	assert.True(t, done.IsIntro)
	assert.Equal(t, "Welcome back.", done.Text)
}

func TestMachine_FramesIgnoredAfterTermination(t *testing.T) {
	m := newTestMachine()
	frame(m, `{"type":"session_end"}`)
	<-m.Terminal()
	frame(m, `{"type":"turn_start","turnId":"t9"}`)
	assert.Equal(t, "", m.ActiveTurnText())
}
