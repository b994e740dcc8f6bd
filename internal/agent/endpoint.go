package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/turnlog/internal/observe"
	"github.com/MrWong99/turnlog/internal/turnmetrics"
	"github.com/MrWong99/turnlog/pkg/provider/turn"
	"github.com/MrWong99/turnlog/pkg/types"
)

// userTurn collects the final transcripts of one user turn.
type userTurn struct {
	texts []string

	// speechEnd is when the user stopped speaking: the last VAD SpeechEnd,
	// or the arrival of the first final when no VAD runs or none has ended
	// speech yet.
	speechEnd time.Time

	// lastFinal is when the last final transcript arrived.
	lastFinal time.Time
}

func (u *userTurn) text() string { return strings.Join(u.texts, " ") }

// endpoint decides when the user turn is over. A turn is committed once the
// user is silent and the endpointing delay, measured from the end of
// speech, has passed without new speech.
func (s *Session) endpoint(ctx context.Context, finals <-chan types.Transcript, vadEvents <-chan types.VADEvent, useVAD bool) error {
	var (
		pending  userTurn
		speaking bool
		timer    = time.NewTimer(time.Hour)
		timerC   <-chan time.Time
	)
	timer.Stop()
	defer timer.Stop()

	disarm := func() {
		timer.Stop()
		timerC = nil
	}
	arm := func() {
		delay := s.endpointingDelay(ctx, pending.text())
		// Without VAD every final shows the user was still talking, so the
		// window restarts from the latest one.
		anchor := pending.speechEnd
		if !useVAD {
			anchor = pending.lastFinal
		}
		wait := max(anchor.Add(delay).Sub(s.now()), 0)
		timer.Reset(wait)
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-vadEvents:
			switch ev.Type {
			case types.VADSpeechStart:
				speaking = true
				disarm()
				if s.config().AllowInterruptions {
					s.interrupt("user speech", true)
				}
			case types.VADSpeechEnd:
				speaking = false
				pending.speechEnd = s.now()
				if len(pending.texts) > 0 {
					arm()
				}
			}

		case tr, ok := <-finals:
			if !ok {
				slog.Warn("agent: stt stream closed")
				finals = nil
				continue
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				continue
			}
			at := tr.ReceivedAt
			if at.IsZero() {
				at = s.now()
			}
			pending.texts = append(pending.texts, text)
			pending.lastFinal = at
			if pending.speechEnd.IsZero() {
				pending.speechEnd = at
			}
			if !speaking {
				arm()
			}

		case <-timerC:
			timerC = nil
			if speaking || len(pending.texts) == 0 {
				continue
			}
			s.commitTurn(ctx, pending)
			pending = userTurn{}
		}
	}
}

// endpointingDelay asks the turn detector how sure it is that text ends the
// turn and maps that onto the configured window.
func (s *Session) endpointingDelay(ctx context.Context, text string) time.Duration {
	cfg := s.config()
	if s.p.Turn == nil {
		return cfg.MinEndpointingDelay
	}
	history := append(s.History(), types.Message{Role: types.RoleUser, Content: text, Name: cfg.Participant})
	p, err := s.p.Turn.EndOfTurnProbability(ctx, history)
	if err != nil {
		slog.Warn("agent: turn detector failed, using max delay", "err", err)
		return cfg.MaxEndpointingDelay
	}
	return turn.Delay(p, cfg.MinEndpointingDelay, cfg.MaxEndpointingDelay)
}

// commitTurn closes the user turn under a fresh speech id, reports its
// end-of-utterance metrics and starts the reply.
func (s *Session) commitTurn(ctx context.Context, u userTurn) {
	speechID := s.newID()
	ctx = observe.WithSpeechID(ctx, speechID)

	eou := max(s.now().Sub(u.speechEnd), 0)
	transcription := max(u.lastFinal.Sub(u.speechEnd), 0)
	text := u.text()

	observe.Logger(ctx).Info("agent: user turn committed",
		"chars", len(text),
		"end_of_utterance_delay", eou,
		"transcription_delay", transcription,
	)
	s.emit(ctx, turnmetrics.KindEOU, speechID, map[string]any{
		"end_of_utterance_delay": eou.Seconds(),
		"transcription_delay":    transcription.Seconds(),
	})

	s.appendHistory(types.Message{Role: types.RoleUser, Content: text, Name: s.config().Participant})
	s.respond(ctx, speechID)
}
