package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/turnmetrics"
	"github.com/MrWong99/turnlog/pkg/audio"
	"github.com/MrWong99/turnlog/pkg/provider/llm"
	"github.com/MrWong99/turnlog/pkg/types"
)

// reply is one in-flight agent utterance. At most one is current; starting
// a new one cancels the previous.
type reply struct {
	speechID string
	cancel   context.CancelFunc
	done     chan struct{}
	playing  atomic.Bool
}

// start registers a new current reply and runs fn for it in the background.
func (s *Session) start(parent context.Context, speechID string, fn func(ctx context.Context, r *reply)) *reply {
	ctx, cancel := context.WithCancel(observe.WithSpeechID(parent, speechID))
	r := &reply{speechID: speechID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.current
	s.current = r
	s.replies.Add(1)
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	go func() {
		defer s.replies.Done()
		defer close(r.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.current == r {
				s.current = nil
			}
			s.mu.Unlock()
		}()
		fn(ctx, r)
	}()
	return r
}

// interrupt cancels the current reply. With onlyPlaying set, a reply that
// has not produced audio yet is left alone.
func (s *Session) interrupt(reason string, onlyPlaying bool) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil || (onlyPlaying && !r.playing.Load()) {
		return
	}
	slog.Info("agent: reply interrupted", "speech_id", r.speechID, "reason", reason)
	r.cancel()
}

// respond generates and speaks the reply to the current history.
func (s *Session) respond(ctx context.Context, speechID string) *reply {
	return s.start(ctx, speechID, s.runReply)
}

// speak synthesizes fixed text without the LLM.
func (s *Session) speak(ctx context.Context, speechID, text string) *reply {
	return s.start(ctx, speechID, func(ctx context.Context, r *reply) {
		ctx, span := observe.StartSpan(ctx, "agent.speak")
		defer span.End()

		textCh := make(chan string, 1)
		sentAt := make(chan time.Time, 1)
		audioCh, err := s.p.TTS.SynthesizeStream(ctx, textCh, s.config().Voice)
		if err != nil {
			s.metrics.RecordProviderError(ctx, "tts", "tts")
			observe.Logger(ctx).Error("agent: tts stream failed", "err", err)
			return
		}
		sentAt <- s.now()
		textCh <- text
		close(textCh)

		st := s.play(ctx, r, audioCh, sentAt)
		s.reportTTS(ctx, speechID, st)
		s.appendHistory(types.Message{Role: types.RoleAssistant, Content: text})
	})
}

func (s *Session) runReply(ctx context.Context, r *reply) {
	ctx, span := observe.StartSpan(ctx, "agent.reply")
	defer span.End()
	log := observe.Logger(ctx)

	history := s.History()
	req := llm.CompletionRequest{SystemPrompt: s.config().Instructions, Messages: history}

	start := s.now()
	chunks, err := s.p.LLM.StreamCompletion(ctx, req)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "llm", "llm")
		s.metrics.RecordProviderRequest(ctx, "llm", "llm", "error")
		log.Error("agent: llm stream failed", "err", err)
		return
	}

	textCh := make(chan string, textBuffer)
	sentAt := make(chan time.Time, 1)
	audioCh, err := s.p.TTS.SynthesizeStream(ctx, textCh, s.config().Voice)
	if err != nil {
		s.metrics.RecordProviderError(ctx, "tts", "tts")
		log.Error("agent: tts stream failed", "err", err)
		close(textCh)
		r.cancel()
		audio.Drain(chunks)
		return
	}

	played := make(chan playStats, 1)
	go func() { played <- s.play(ctx, r, audioCh, sentAt) }()

	res := s.forward(ctx, chunks, textCh, sentAt, start)
	status := "ok"
	if res.failed {
		status = "error"
		s.metrics.RecordProviderError(ctx, "llm", "llm")
	}
	s.metrics.RecordProviderRequest(ctx, "llm", "llm", status)
	s.metrics.LLMDuration.Record(ctx, res.duration.Seconds())
	span.SetAttributes(attribute.Int("llm.chunks", res.chunks), attribute.Bool("llm.interrupted", res.interrupted))
	s.reportLLM(ctx, r.speechID, history, res)

	st := <-played
	s.reportTTS(ctx, r.speechID, st)

	if res.text != "" {
		s.appendHistory(types.Message{Role: types.RoleAssistant, Content: res.text})
	}
}

// llmResult summarises one completion stream.
type llmResult struct {
	text        string
	ttft        time.Duration
	gotFirst    bool
	duration    time.Duration
	chunks      int
	usage       *llm.Usage
	failed      bool
	interrupted bool
}

// forward streams LLM text into TTS sentence by sentence and closes textCh
// when done. The time the first sentence is handed to TTS is sent on
// sentAt.
func (s *Session) forward(ctx context.Context, chunks <-chan llm.Chunk, textCh chan<- string, sentAt chan<- time.Time, start time.Time) (res llmResult) {
	var (
		sb       strings.Builder
		splitter sentenceSplitter
		sentAny  bool
	)
	defer func() {
		close(textCh)
		res.text = strings.TrimSpace(sb.String())
		res.duration = s.now().Sub(start)
		if res.interrupted {
			go audio.Drain(chunks)
		}
	}()

	send := func(text string) bool {
		if !sentAny {
			sentAny = true
			sentAt <- s.now()
		}
		select {
		case textCh <- text:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			res.interrupted = true
			return res
		case c, ok := <-chunks:
			if !ok {
				if tail := splitter.flush(); tail != "" && !send(tail) {
					res.interrupted = true
				}
				return res
			}
			if c.Usage != nil {
				res.usage = c.Usage
			}
			if c.FinishReason == llm.FinishError {
				res.failed = true
				slog.Warn("agent: llm stream error", "speech_id", observe.SpeechID(ctx), "err", c.Text)
				continue
			}
			if c.Text == "" {
				continue
			}
			if !res.gotFirst {
				res.gotFirst = true
				res.ttft = s.now().Sub(start)
			}
			res.chunks++
			sb.WriteString(c.Text)
			for _, sentence := range splitter.push(c.Text) {
				if !send(sentence) {
					res.interrupted = true
					return res
				}
			}
		}
	}
}

// playStats summarises the playback of one utterance.
type playStats struct {
	gotFirst bool
	ttfb     time.Duration
	duration time.Duration
	audio    time.Duration
}

// play writes synthesized audio to the session output until audioCh closes
// or ctx is done.
func (s *Session) play(ctx context.Context, r *reply, audioCh <-chan []byte, sentAt <-chan time.Time) (st playStats) {
	format := s.p.TTS.OutputFormat()
	af := audio.Format{SampleRate: format.SampleRate, Channels: format.Channels}
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()

	var start time.Time
	defer r.playing.Store(false)
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(audioCh)
			return st
		case pcm, ok := <-audioCh:
			if !ok {
				return st
			}
			now := s.now()
			if !st.gotFirst {
				select {
				case start = <-sentAt:
				case <-ctx.Done():
					go audio.Drain(audioCh)
					return st
				}
				st.gotFirst = true
				st.ttfb = max(now.Sub(start), 0)
				r.playing.Store(true)
			}
			st.duration = max(now.Sub(start), 0)
			st.audio += af.Duration(len(pcm))
			if out == nil || len(pcm) == 0 {
				continue
			}
			frame := audio.AudioFrame{Data: pcm, SampleRate: format.SampleRate, Channels: format.Channels}
			select {
			case out <- frame:
			case <-ctx.Done():
				go audio.Drain(audioCh)
				return st
			}
		}
	}
}

// reportLLM emits llm_metrics for every stream that was opened. ttft is
// omitted when no token arrived, so a failed or interrupted completion still
// reaches the turn table with an absent time to first token. Token counts
// come from the backend when reported and are estimated otherwise.
func (s *Session) reportLLM(ctx context.Context, speechID string, history []types.Message, res llmResult) {
	prompt, completion := 0, res.chunks
	if res.usage != nil {
		prompt, completion = res.usage.PromptTokens, res.usage.CompletionTokens
	} else {
		msgs := history
		if instr := s.config().Instructions; instr != "" {
			msgs = append([]types.Message{{Role: types.RoleSystem, Content: instr}}, history...)
		}
		n, err := s.p.LLM.CountTokens(msgs)
		if err != nil {
			slog.Debug("agent: token count failed, estimating", "err", err)
			n = 0
			for _, m := range msgs {
				n += llm.EstimateTokens(m.Content)
			}
		}
		prompt = n
	}
	fields := map[string]any{
		"duration":          res.duration.Seconds(),
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"cancelled":         res.interrupted,
	}
	if res.gotFirst {
		fields["ttft"] = res.ttft.Seconds()
	} else {
		observe.Logger(ctx).Warn("agent: llm stream produced no tokens", "failed", res.failed, "interrupted", res.interrupted)
	}
	s.emit(ctx, turnmetrics.KindLLM, speechID, fields)
}

// reportTTS emits tts_metrics for an utterance that produced audio.
func (s *Session) reportTTS(ctx context.Context, speechID string, st playStats) {
	if !st.gotFirst {
		return
	}
	s.metrics.TTSDuration.Record(ctx, st.duration.Seconds())
	s.metrics.RecordProviderRequest(ctx, "tts", "tts", "ok")
	s.emit(ctx, turnmetrics.KindTTS, speechID, map[string]any{
		"ttfb":           st.ttfb.Seconds(),
		"duration":       st.duration.Seconds(),
		"audio_duration": st.audio.Seconds(),
	})
}
