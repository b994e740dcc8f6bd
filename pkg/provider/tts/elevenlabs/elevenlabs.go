// Package elevenlabs implements tts.Provider on the ElevenLabs stream-input
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/turnlog/pkg/provider/tts"
	"github.com/MrWong99/turnlog/pkg/types"
)

const (
	defaultBaseURL      = "wss://api.elevenlabs.io"
	defaultModel        = "eleven_flash_v2_5"
	defaultOutputFormat = "pcm_16000"
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model id.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat selects a pcm_<rate> output format.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURL overrides the WebSocket origin. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(u, "/") }
}

// Provider streams speech from ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	format       tts.Format
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider. Only raw PCM output formats are accepted.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = f
	return p, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() tts.Format { return p.format }

func parseFormat(s string) (tts.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return tts.Format{}, fmt.Errorf("elevenlabs: output format %q is not raw pcm", s)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return tts.Format{}, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", s)
	}
	return tts.Format{SampleRate: n, Channels: 1}, nil
}

// ─── wire messages ───────────────────────────────────────────────────────────

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.baseURL, url.PathEscape(voiceID), q.Encode())
}

// SynthesizeStream implements tts.Provider.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The first message must carry a single space and authenticates the stream.
	first := textMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.Speed},
		XiAPIKey:      p.apiKey,
	}
	if err := writeJSON(ctx, conn, first); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("elevenlabs: send init: %w", err)
	}

	audio := make(chan []byte, 256)
	go func() {
		defer close(audio)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				pcm, final, err := decodeAudio(msg)
				if err != nil {
					slog.Warn("elevenlabs: bad audio message", "err", err)
					continue
				}
				if len(pcm) > 0 {
					select {
					case audio <- pcm:
					case <-ctx.Done():
						return
					}
				}
				if final {
					return
				}
			}
		}()

		for {
			select {
			case s, ok := <-text:
				if !ok {
					// Empty text flushes and ends the stream.
					_ = writeJSON(ctx, conn, textMessage{Text: ""})
					<-readDone
					return
				}
				if strings.TrimSpace(s) == "" {
					continue
				}
				if err := writeJSON(ctx, conn, textMessage{Text: s, TryTriggerGeneration: true}); err != nil {
					return
				}
			case <-readDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return audio, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// decodeAudio parses one server message into PCM bytes.
func decodeAudio(msg []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, err
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, nil
	}
	pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("decode audio: %w", err)
	}
	return pcm, resp.IsFinal, nil
}
