package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/turnlog/pkg/provider/stt"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("test-key", WithModel("nova-2"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL(stt.StreamConfig{SampleRate: 48000, Channels: 1, Endpointing: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()

	want := map[string]string{
		"model":           "nova-2",
		"language":        "en",
		"encoding":        "linear16",
		"sample_rate":     "48000",
		"channels":        "1",
		"interim_results": "true",
		"endpointing":     "300",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithLanguage("de"))
	raw, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("sample_rate") != "16000" || q.Get("language") != "de" {
		t.Errorf("query = %v", q)
	}
	if q.Has("endpointing") || q.Has("channels") {
		t.Errorf("unexpected optional params: %v", q)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		raw         string
		ok          bool
		text        string
		isFinal     bool
		speechFinal bool
	}{
		{
			name:    "final",
			raw:     `{"type":"Results","is_final":true,"start":1.5,"duration":0.8,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			ok:      true,
			text:    "Hello world",
			isFinal: true,
		},
		{
			name: "partial",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hel"}]}}`,
			ok:   true,
			text: "Hel",
		},
		{
			name:        "speech final implies final",
			raw:         `{"type":"Results","is_final":false,"speech_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			ok:          true,
			isFinal:     true,
			speechFinal: true,
		},
		{name: "empty interim", raw: `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := parseResponse([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if tr.Text != tc.text || tr.IsFinal != tc.isFinal || tr.SpeechFinal != tc.speechFinal {
				t.Errorf("transcript = %+v", tr)
			}
		})
	}
}

func TestParseResponse_Timing(t *testing.T) {
	t.Parallel()

	tr, ok := parseResponse([]byte(`{"type":"Results","is_final":true,"start":1.5,"duration":0.25,"channel":{"alternatives":[{"transcript":"x"}]}}`))
	if !ok {
		t.Fatal("not parsed")
	}
	if tr.Timestamp != 1500*time.Millisecond || tr.Duration != 250*time.Millisecond {
		t.Errorf("timestamp = %v, duration = %v", tr.Timestamp, tr.Duration)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestStartStream_RoundTrip(t *testing.T) {
	t.Parallel()

	gotAudio := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		typ, data, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		gotAudio <- data
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hi"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hi there"}]}}`))
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if err := sess.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case data := <-gotAudio:
		if len(data) != 4 {
			t.Errorf("server got %d bytes, want 4", len(data))
		}
	case <-ctx.Done():
		t.Fatal("server never received audio")
	}

	select {
	case tr := <-sess.Partials():
		if tr.Text != "hi" {
			t.Errorf("partial = %q", tr.Text)
		}
	case <-ctx.Done():
		t.Fatal("no partial")
	}
	select {
	case tr := <-sess.Finals():
		if tr.Text != "hi there" || !tr.SpeechFinal || tr.ReceivedAt.IsZero() {
			t.Errorf("final = %+v", tr)
		}
	case <-ctx.Done():
		t.Fatal("no final")
	}

	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0}); err == nil {
		t.Error("SendAudio after Close succeeded")
	}
}
