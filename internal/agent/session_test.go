package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/turnlog/internal/agent"
	"github.com/MrWong99/turnlog/internal/observe"
	sinkmock "github.com/MrWong99/turnlog/internal/sink/mock"
	"github.com/MrWong99/turnlog/internal/turnmetrics"
	"github.com/MrWong99/turnlog/pkg/audio"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	llmmock "github.com/MrWong99/turnlog/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/turnlog/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/turnlog/pkg/provider/tts/mock"
	turnmock "github.com/MrWong99/turnlog/pkg/provider/turn/mock"
	vadmock "github.com/MrWong99/turnlog/pkg/provider/vad/mock"
	"github.com/MrWong99/turnlog/pkg/types"
)

const eventTimeout = 2 * time.Second

// 100 ms of 16 kHz mono silence.
var pcm100ms = make([]byte, 3200)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("speech-%d", n.Add(1)) }
}

type harness struct {
	sess   *agent.Session
	stt    *sttmock.Session
	sttp   *sttmock.Provider
	llm    *llmmock.Provider
	tts    *ttsmock.Provider
	events chan map[string]any
	in     chan audio.AudioFrame
	out    chan audio.AudioFrame
	done   chan error
}

// start builds a session from cfg and p, filling missing providers with
// mocks, and runs it until the test ends.
func start(t *testing.T, cfg agent.Config, p agent.Providers, out chan audio.AudioFrame) *harness {
	t.Helper()
	h := &harness{
		stt:    sttmock.NewSession(),
		events: make(chan map[string]any, 32),
		in:     make(chan audio.AudioFrame, 16),
		out:    out,
		done:   make(chan error, 1),
	}
	if p.LLM == nil {
		p.LLM = &llmmock.Provider{}
	}
	if p.TTS == nil {
		p.TTS = &ttsmock.Provider{Chunks: [][]byte{pcm100ms}}
	}
	h.sttp = &sttmock.Provider{Session: h.stt}
	p.STT = h.sttp
	h.llm, _ = p.LLM.(*llmmock.Provider)
	h.tts, _ = p.TTS.(*ttsmock.Provider)

	sess, err := agent.NewSession(cfg, p,
		agent.WithMetrics(testMetrics(t)),
		agent.WithSpeechIDs(sequentialIDs()),
	)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.OnMetrics(func(_ context.Context, ev turnmetrics.Event) {
		h.events <- ev["metrics"].(map[string]any)
	})
	h.sess = sess

	go func() { h.done <- sess.Start(context.Background(), h.in, h.out) }()
	t.Cleanup(func() {
		_ = sess.Close()
		select {
		case <-h.done:
		case <-time.After(eventTimeout):
			t.Error("Start did not return after Close")
		}
	})
	return h
}

// next returns the next metric payload.
func (h *harness) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-h.events:
		return m
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for metric event")
		return nil
	}
}

func (h *harness) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case m := <-h.events:
		t.Fatalf("unexpected metric event %v", m)
	case <-time.After(within):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fastEndpointing() agent.Config {
	return agent.Config{
		Instructions:        "You are a helpful assistant.",
		MinEndpointingDelay: 10 * time.Millisecond,
		MaxEndpointingDelay: 20 * time.Millisecond,
		Participant:         "alice",
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	full := agent.Providers{LLM: &llmmock.Provider{}, STT: &sttmock.Provider{}, TTS: &ttsmock.Provider{}}
	tests := []struct {
		name    string
		cfg     agent.Config
		p       agent.Providers
		wantErr string
	}{
		{name: "ok", p: full},
		{name: "missing providers", p: agent.Providers{}, wantErr: "llm provider is required"},
		{name: "negative delay", cfg: agent.Config{MinEndpointingDelay: -1}, p: full, wantErr: "must not be negative"},
		{
			name:    "max below min",
			cfg:     agent.Config{MinEndpointingDelay: time.Second, MaxEndpointingDelay: time.Millisecond},
			p:       full,
			wantErr: "below min",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := agent.NewSession(tc.cfg, tc.p)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("NewSession: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSession_TurnEmitsAllThreeKinds(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Provider{Chunks: []llm.Chunk{
		{Text: "Hello there. "},
		{Text: "How can I help?"},
		{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 12, CompletionTokens: 5}},
	}}
	h := start(t, fastEndpointing(), agent.Providers{LLM: lm}, make(chan audio.AudioFrame, 16))

	h.stt.Final("what's the weather", true)

	eou := h.next(t)
	if eou["type"] != "eou_metrics" {
		t.Fatalf("first event type = %v, want eou_metrics", eou["type"])
	}
	id := eou["speech_id"]
	if d, _ := eou["end_of_utterance_delay"].(float64); d < 0.01 {
		t.Errorf("end_of_utterance_delay = %v, want >= min endpointing delay", d)
	}

	llmEv := h.next(t)
	if llmEv["type"] != "llm_metrics" || llmEv["speech_id"] != id {
		t.Fatalf("second event = %v, want llm_metrics for %v", llmEv, id)
	}
	if llmEv["prompt_tokens"] != 12 || llmEv["completion_tokens"] != 5 {
		t.Errorf("tokens = %v/%v, want 12/5", llmEv["prompt_tokens"], llmEv["completion_tokens"])
	}

	ttsEv := h.next(t)
	if ttsEv["type"] != "tts_metrics" || ttsEv["speech_id"] != id {
		t.Fatalf("third event = %v, want tts_metrics for %v", ttsEv, id)
	}
	if ttsEv["audio_duration"] != 0.1 {
		t.Errorf("audio_duration = %v, want 0.1", ttsEv["audio_duration"])
	}

	select {
	case f := <-h.out:
		if len(f.Data) != len(pcm100ms) || f.SampleRate != 16000 {
			t.Errorf("output frame = %d bytes at %d Hz", len(f.Data), f.SampleRate)
		}
	case <-time.After(eventTimeout):
		t.Fatal("no audio written to output")
	}

	waitFor(t, func() bool { return len(h.sess.History()) == 2 })
	hist := h.sess.History()
	if hist[0].Role != types.RoleUser || hist[0].Content != "what's the weather" || hist[0].Name != "alice" {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Role != types.RoleAssistant || hist[1].Content != "Hello there. How can I help?" {
		t.Errorf("history[1] = %+v", hist[1])
	}

	reqs := lm.Requests()
	if len(reqs) != 1 || reqs[0].SystemPrompt != "You are a helpful assistant." {
		t.Fatalf("llm requests = %+v", reqs)
	}
	if texts := h.tts.Texts(); len(texts) != 1 || texts[0] != "Hello there. How can I help?" {
		t.Errorf("tts texts = %q", texts)
	}
}

func TestSession_TokenCountFallback(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Provider{
		Chunks:     []llm.Chunk{{Text: "One. "}, {Text: "Two."}, {FinishReason: "stop"}},
		TokenCount: 42,
	}
	h := start(t, fastEndpointing(), agent.Providers{LLM: lm}, make(chan audio.AudioFrame, 16))
	h.stt.Final("count", true)

	_ = h.next(t) // eou
	ev := h.next(t)
	if ev["prompt_tokens"] != 42 || ev["completion_tokens"] != 2 {
		t.Errorf("tokens = %v/%v, want 42/2", ev["prompt_tokens"], ev["completion_tokens"])
	}
}

func TestSession_FinalsJoinIntoOneTurn(t *testing.T) {
	t.Parallel()

	cfg := fastEndpointing()
	cfg.MinEndpointingDelay = 150 * time.Millisecond
	cfg.MaxEndpointingDelay = 150 * time.Millisecond
	lm := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Sure."}}}
	h := start(t, cfg, agent.Providers{LLM: lm}, make(chan audio.AudioFrame, 16))

	h.stt.Final("book a table", false)
	h.stt.Final("for two", true)

	if ev := h.next(t); ev["type"] != "eou_metrics" {
		t.Fatalf("event = %v", ev)
	}
	waitFor(t, func() bool { return len(lm.Requests()) == 1 })
	msgs := lm.Requests()[0].Messages
	if len(msgs) != 1 || msgs[0].Content != "book a table for two" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSession_GreetingEmitsOnlyTTS(t *testing.T) {
	t.Parallel()

	cfg := fastEndpointing()
	cfg.Greeting = "Hello! How can I help you today?"
	h := start(t, cfg, agent.Providers{}, make(chan audio.AudioFrame, 16))

	ev := h.next(t)
	if ev["type"] != "tts_metrics" || ev["speech_id"] != "speech-1" {
		t.Fatalf("greeting event = %v", ev)
	}
	h.expectNone(t, 100*time.Millisecond)

	if n := len(h.llm.Requests()); n != 0 {
		t.Errorf("llm requests = %d, want 0", n)
	}
	waitFor(t, func() bool { return len(h.tts.Texts()) == 1 })
	if got := h.tts.Texts()[0]; got != cfg.Greeting {
		t.Errorf("spoken text = %q", got)
	}
}

func TestSession_GreetingStaysPendingInTable(t *testing.T) {
	t.Parallel()

	s := &sinkmock.Sink{}
	stt := sttmock.NewSession()
	m := testMetrics(t)
	tbl := turnmetrics.NewTable(s, turnmetrics.WithMetrics(m))
	d := turnmetrics.NewDispatcher(tbl, turnmetrics.WithDispatcherMetrics(m))

	sess, err := agent.NewSession(agent.Config{
		Greeting:            "Hi.",
		MinEndpointingDelay: 10 * time.Millisecond,
		MaxEndpointingDelay: 10 * time.Millisecond,
	}, agent.Providers{
		LLM: &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Fine."}}},
		STT: &sttmock.Provider{Session: stt},
		TTS: &ttsmock.Provider{Chunks: [][]byte{pcm100ms}},
	}, agent.WithMetrics(m), agent.WithSpeechIDs(sequentialIDs()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.OnMetrics(d.OnMetricEvent)

	in := make(chan audio.AudioFrame)
	done := make(chan error, 1)
	go func() { done <- sess.Start(context.Background(), in, make(chan audio.AudioFrame, 16)) }()

	waitFor(t, func() bool { return len(sess.History()) == 1 })
	stt.Final("how are you", true)
	waitFor(t, func() bool { return len(s.Rows()) == 1 })

	if got := tbl.Pending(); len(got) != 1 || got[0] != "speech-1" {
		t.Errorf("Pending() = %v, want [speech-1]", got)
	}
	close(in)
	if err := <-done; err != nil {
		t.Errorf("Start after input closed = %v, want nil", err)
	}
}

func TestSession_InterruptionCancelsPlayback(t *testing.T) {
	t.Parallel()

	cfg := fastEndpointing()
	cfg.Greeting = "Hi there."
	cfg.AllowInterruptions = true
	engine := &vadmock.Engine{Session: &vadmock.Session{Default: types.VADEvent{Type: types.VADSpeechStart}}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm100ms, pcm100ms}}

	// Nobody reads the output, so playback blocks on the first frame.
	h := start(t, cfg, agent.Providers{TTS: tp, VAD: engine}, make(chan audio.AudioFrame))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				select {
				case h.in <- audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}:
				default:
				}
			}
		}
	}()

	ev := h.next(t)
	if ev["type"] != "tts_metrics" {
		t.Fatalf("event = %v", ev)
	}
	if ev["audio_duration"] != 0.1 {
		t.Errorf("audio_duration = %v, want 0.1 (cut after first chunk)", ev["audio_duration"])
	}
}

func TestSession_InterruptionsDisabled(t *testing.T) {
	t.Parallel()

	cfg := fastEndpointing()
	cfg.Greeting = "Hi there."
	engine := &vadmock.Engine{Session: &vadmock.Session{Default: types.VADEvent{Type: types.VADSpeechStart}}}
	tp := &ttsmock.Provider{Chunks: [][]byte{pcm100ms, pcm100ms}}
	out := make(chan audio.AudioFrame)
	h := start(t, cfg, agent.Providers{TTS: tp, VAD: engine}, out)

	for range 5 {
		h.in <- audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}
	}
	time.Sleep(50 * time.Millisecond)
	for range 2 {
		select {
		case <-out:
		case <-time.After(eventTimeout):
			t.Fatal("playback stopped")
		}
	}

	ev := h.next(t)
	if ev["audio_duration"] != 0.2 {
		t.Errorf("audio_duration = %v, want 0.2", ev["audio_duration"])
	}
}

func TestSession_TurnDetectorDelay(t *testing.T) {
	t.Parallel()

	cfg := fastEndpointing()
	cfg.MaxEndpointingDelay = 150 * time.Millisecond
	det := &turnmock.Detector{Probability: 0}
	h := start(t, cfg, agent.Providers{Turn: det}, make(chan audio.AudioFrame, 16))

	h.stt.Final("so I was thinking", true)
	ev := h.next(t)
	if d, _ := ev["end_of_utterance_delay"].(float64); d < 0.14 {
		t.Errorf("end_of_utterance_delay = %v, want about max delay", d)
	}
	if det.Calls() == 0 {
		t.Error("turn detector never consulted")
	}
}

func TestSession_StartErrors(t *testing.T) {
	t.Parallel()

	t.Run("stt", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("no stt")
		sess, err := agent.NewSession(agent.Config{}, agent.Providers{
			LLM: &llmmock.Provider{},
			STT: &sttmock.Provider{StartStreamErr: boom},
			TTS: &ttsmock.Provider{},
		}, agent.WithMetrics(testMetrics(t)))
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if err := sess.Start(context.Background(), nil, nil); !errors.Is(err, boom) {
			t.Errorf("Start = %v, want %v", err, boom)
		}
	})

	t.Run("twice", func(t *testing.T) {
		t.Parallel()
		h := start(t, fastEndpointing(), agent.Providers{}, nil)
		waitFor(t, func() bool { return len(h.sttp.Configs()) == 1 })
		if err := h.sess.Start(context.Background(), nil, nil); !errors.Is(err, agent.ErrAlreadyStarted) {
			t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
		}
	})

	t.Run("say before start", func(t *testing.T) {
		t.Parallel()
		sess, err := agent.NewSession(agent.Config{}, agent.Providers{
			LLM: &llmmock.Provider{}, STT: &sttmock.Provider{}, TTS: &ttsmock.Provider{},
		})
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if err := sess.Say(context.Background(), "hi"); !errors.Is(err, agent.ErrNotStarted) {
			t.Errorf("Say = %v, want ErrNotStarted", err)
		}
	})
}

func TestSession_SayWaitsForPlayback(t *testing.T) {
	t.Parallel()

	h := start(t, fastEndpointing(), agent.Providers{}, make(chan audio.AudioFrame, 16))
	waitFor(t, func() bool {
		return !errors.Is(h.sess.Say(context.Background(), "One moment."), agent.ErrNotStarted)
	})

	ev := h.next(t)
	if ev["type"] != "tts_metrics" {
		t.Fatalf("event = %v", ev)
	}
	if hist := h.sess.History(); len(hist) != 1 || hist[0].Content != "One moment." {
		t.Errorf("history = %+v", hist)
	}
}

func TestSession_InputCloseEndsStart(t *testing.T) {
	t.Parallel()

	h := start(t, fastEndpointing(), agent.Providers{}, nil)
	close(h.in)
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Start = %v, want nil", err)
		}
		h.done <- err
	case <-time.After(eventTimeout):
		t.Fatal("Start did not return after input closed")
	}
	if !h.stt.Closed() {
		t.Error("stt session not closed")
	}
}

func TestSession_TranscriptionDelayWithoutVAD(t *testing.T) {
	t.Parallel()

	cfg := fastEndpointing()
	cfg.MinEndpointingDelay = 150 * time.Millisecond
	cfg.MaxEndpointingDelay = 150 * time.Millisecond
	h := start(t, cfg, agent.Providers{}, make(chan audio.AudioFrame, 16))

	h.stt.Final("I'd like to", false)
	time.Sleep(60 * time.Millisecond)
	h.stt.Final("order a pizza", true)

	ev := h.next(t)
	if ev["type"] != "eou_metrics" {
		t.Fatalf("event = %v", ev)
	}
	transcription, _ := ev["transcription_delay"].(float64)
	if transcription < 0.05 {
		t.Errorf("transcription_delay = %v, want the gap between the first and last final", transcription)
	}
	// The window restarts at the last final.
	if eou, _ := ev["end_of_utterance_delay"].(float64); eou < transcription+0.14 {
		t.Errorf("end_of_utterance_delay = %v, want >= transcription_delay + endpointing delay", eou)
	}
}

func TestSession_FailedCompletionStillReportsLLM(t *testing.T) {
	t.Parallel()

	s := &sinkmock.Sink{}
	m := testMetrics(t)
	tbl := turnmetrics.NewTable(s, turnmetrics.WithMetrics(m))
	d := turnmetrics.NewDispatcher(tbl, turnmetrics.WithDispatcherMetrics(m))

	lm := &llmmock.Provider{Chunks: []llm.Chunk{{FinishReason: llm.FinishError, Text: "upstream 503"}}}
	h := start(t, fastEndpointing(), agent.Providers{LLM: lm}, make(chan audio.AudioFrame, 16))
	h.sess.OnMetrics(func(ctx context.Context, ev turnmetrics.Event) {
		d.OnMetricEvent(ctx, ev)
		h.events <- ev["metrics"].(map[string]any)
	})

	h.stt.Final("are you there", true)

	eou := h.next(t)
	ev := h.next(t)
	if ev["type"] != "llm_metrics" || ev["speech_id"] != eou["speech_id"] {
		t.Fatalf("event = %v, want llm_metrics for %v", ev, eou["speech_id"])
	}
	if _, ok := ev["ttft"]; ok {
		t.Errorf("ttft = %v, want key omitted", ev["ttft"])
	}
	if ev["completion_tokens"] != 0 {
		t.Errorf("completion_tokens = %v, want 0", ev["completion_tokens"])
	}

	rec, ok := tbl.Lookup(eou["speech_id"].(string))
	if !ok {
		t.Fatal("turn not pending after llm_metrics")
	}
	ttft, ok := rec[turnmetrics.FieldTimeToFirstToken]
	if !ok || !ttft.IsAbsent() {
		t.Errorf("time_to_first_token = %v (present %v), want present and absent", ttft, ok)
	}
	if n := len(s.Rows()); n != 0 {
		t.Errorf("rows = %d, want 0 while tts is outstanding", n)
	}
}

func TestSession_Reconfigure(t *testing.T) {
	t.Parallel()

	lm := &llmmock.Provider{Chunks: []llm.Chunk{{Text: "Ok."}}}
	h := start(t, fastEndpointing(), agent.Providers{LLM: lm}, make(chan audio.AudioFrame, 16))
	waitFor(t, func() bool { return len(h.sttp.Configs()) == 1 })

	if err := h.sess.Reconfigure(agent.Config{MinEndpointingDelay: time.Second, MaxEndpointingDelay: time.Millisecond}); err == nil {
		t.Fatal("Reconfigure accepted max below min")
	}

	next := fastEndpointing()
	next.Instructions = "Answer in one word."
	next.Participant = "mallory"
	if err := h.sess.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	h.stt.Final("hello", true)
	waitFor(t, func() bool { return len(lm.Requests()) == 1 })
	if got := lm.Requests()[0].SystemPrompt; got != "Answer in one word." {
		t.Errorf("system prompt = %q, want the reconfigured instructions", got)
	}
	if hist := h.sess.History(); len(hist) == 0 || hist[0].Name != "alice" {
		t.Errorf("history = %+v, want participant kept as alice", hist)
	}
}
