package wire

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeServerEvent_TurnStartWithSeq(t *testing.T) {
	raw := []byte(`{"type":"turn_start","turnId":"t1","seq":0}`)
	ev, err := DecodeServerEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeTurnStart, ev.Type)
	assert.Equal(t, "t1", ev.TurnID)
	require.NotNil(t, ev.Seq)
	assert.Equal(t, int64(0), *ev.Seq)
}

func TestDecodeServerEvent_SeqAbsentStaysNil(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"type":"assistant_text","turnId":"t1","text":"hi"}`))
	require.NoError(t, err)
	assert.Nil(t, ev.Seq)
}

func TestDecodeServerEvent_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `not-json`},
		{"missing type", `{"turnId":"t1"}`},
		{"unknown type", `{"type":"telemetry"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeServerEvent([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestServerEvent_Audio(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	ev := ServerEvent{Type: TypeAssistantAudio, AudioB64: base64.StdEncoding.EncodeToString(pcm)}
	got, err := ev.Audio()
	require.NoError(t, err)
	assert.Equal(t, pcm, got)

	_, err = ServerEvent{AudioB64: "%%%"}.Audio()
	assert.Error(t, err)

	got, err = ServerEvent{}.Audio()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClientFrames_RoundTripTags(t *testing.T) {
	sf := NewStartFrame()
	sf.SessionID = "s1"
	sf.SampleRateHz = 16000
	b, err := json.Marshal(sf)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"start"`)

	af := NewAudioFrame(7, []byte{0, 1})
	b, err = json.Marshal(af)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"seq":7`)

	cf := NewControlFrame(OpCancel)
	b, err = json.Marshal(cf)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"op":"cancel"`)
}
