// Package negotiate requests a short-lived voice session descriptor from the
// backend before the realtime socket is opened.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error is a terminal negotiation failure. The caller treats it as fatal for
// the connection attempt; any retry is caller policy.
type Error struct {
	Status int // HTTP status, 0 for transport/decode failures
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("negotiate: status=%d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("negotiate: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request describes what triggered the session and what audio we can do.
type Request struct {
	SessionID     string `json:"sessionId,omitempty"`
	ContentID     string `json:"contentId,omitempty"`
	ChatSessionID int64  `json:"chatSessionId,omitempty"`
	LaunchMode    string `json:"launchMode"`
	SourceSurface string `json:"sourceSurface"`
	SampleRateHz  int    `json:"sampleRateHz"`
	RequestIntro  bool   `json:"requestIntro,omitempty"`
}

// Descriptor is the negotiated session returned by the backend. It is
// immutable once the transport is established.
type Descriptor struct {
	SessionID              string `json:"sessionId"`
	WebsocketPath          string `json:"websocketPath"`
	SampleRateHz           int    `json:"sampleRateHz"`
	Channels               int    `json:"channels"`
	AudioFormat            string `json:"audioFormat"`
	TTSOutputFormat        string `json:"ttsOutputFormat"`
	MaxInputSeconds        int    `json:"maxInputSeconds"`
	ChatSessionID          int64  `json:"chatSessionId"`
	LaunchMode             string `json:"launchMode"`
	ContentContextAttached bool   `json:"contentContextAttached"`
}

// Client calls the session-negotiation endpoint.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

// NewClient builds a negotiation client for the given API base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
	}
}

// CreateSession performs exactly one POST and returns the descriptor. It does
// not retry; HTTP errors, timeouts, and malformed bodies all surface as *Error.
func (c *Client) CreateSession(ctx context.Context, req Request) (Descriptor, error) {
	if c.BaseURL == "" {
		return Descriptor{}, &Error{Err: errors.New("base url missing")}
	}
	if req.SampleRateHz == 0 {
		req.SampleRateHz = 16000
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/voice/sessions", bytes.NewReader(body))
	if err != nil {
		return Descriptor{}, &Error{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return Descriptor{}, &Error{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Descriptor{}, &Error{Status: resp.StatusCode, Err: fmt.Errorf("body=%s", strings.TrimSpace(string(b)))}
	}

	var desc Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return Descriptor{}, &Error{Err: fmt.Errorf("decode descriptor: %w", err)}
	}
	if desc.SessionID == "" || desc.WebsocketPath == "" {
		return Descriptor{}, &Error{Err: errors.New("descriptor missing sessionId or websocketPath")}
	}
	if desc.SampleRateHz == 0 {
		desc.SampleRateHz = req.SampleRateHz
	}
	if desc.Channels == 0 {
		desc.Channels = 1
	}
	return desc, nil
}
