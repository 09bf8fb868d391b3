package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSession_Success(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/voice/sessions", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "reader", req.SourceSurface)
		_ = json.NewEncoder(w).Encode(Descriptor{
			SessionID:     "s1",
			WebsocketPath: "/v1/voice/stream/s1",
			SampleRateHz:  16000,
			AudioFormat:   "pcm_s16le",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	desc, err := c.CreateSession(context.Background(), Request{LaunchMode: "content", SourceSurface: "reader"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "s1", desc.SessionID)
	assert.Equal(t, 1, desc.Channels)
}

func TestCreateSession_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").CreateSession(context.Background(), Request{})
	var negErr *Error
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, http.StatusBadGateway, negErr.Status)
}

func TestCreateSession_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").CreateSession(context.Background(), Request{})
	var negErr *Error
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, 0, negErr.Status)
}

func TestCreateSession_MissingDescriptorFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Descriptor{SessionID: "s1"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").CreateSession(context.Background(), Request{})
	assert.Error(t, err)
}

func TestCreateSession_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.CreateSession(ctx, Request{})
	var negErr *Error
	require.ErrorAs(t, err, &negErr)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || err != nil)
}
