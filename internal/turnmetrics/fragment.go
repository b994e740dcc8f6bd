package turnmetrics

// Kind discriminates the pipeline stage a fragment describes. The values are
// the "type" strings carried by metric events.
type Kind string

const (
	// KindEOU is emitted once end-of-utterance has been detected.
	KindEOU Kind = "eou_metrics"

	// KindLLM is emitted when a language-model completion finishes.
	KindLLM Kind = "llm_metrics"

	// KindTTS is emitted when a speech-synthesis request finishes.
	KindTTS Kind = "tts_metrics"
)

// Field names a Turn Record field.
type Field string

const (
	FieldEndOfUtteranceDelay Field = "end_of_utterance_delay"
	FieldTranscriptionDelay  Field = "transcription_delay"
	FieldTimeToFirstToken    Field = "time_to_first_token"
	FieldPromptTokens        Field = "prompt_tokens"
	FieldCompletionTokens    Field = "completion_tokens"
	FieldTTSTimeToFirstByte  Field = "tts_time_to_first_byte"
	FieldTTSDuration         Field = "tts_duration"
	FieldTTSAudioDuration    Field = "tts_audio_duration"
)

// RequiredFields must all be present before a turn is finalized. Their sum
// is the turn's total latency.
var RequiredFields = [...]Field{
	FieldEndOfUtteranceDelay,
	FieldTranscriptionDelay,
	FieldTimeToFirstToken,
	FieldTTSTimeToFirstByte,
}

// Fragment is a partial set of turn metrics from one pipeline stage.
type Fragment interface {
	// Kind reports the stage this fragment came from.
	Kind() Kind

	// Fields returns every field this kind carries, absent ones included.
	Fields() map[Field]Value
}

// EOUFragment carries end-of-utterance metrics.
type EOUFragment struct {
	EndOfUtteranceDelay Value
	TranscriptionDelay  Value
}

// Kind implements [Fragment].
func (EOUFragment) Kind() Kind { return KindEOU }

// Fields implements [Fragment].
func (f EOUFragment) Fields() map[Field]Value {
	return map[Field]Value{
		FieldEndOfUtteranceDelay: f.EndOfUtteranceDelay,
		FieldTranscriptionDelay:  f.TranscriptionDelay,
	}
}

// LLMFragment carries language-model metrics.
type LLMFragment struct {
	TTFT             Value
	PromptTokens     Value
	CompletionTokens Value
}

// Kind implements [Fragment].
func (LLMFragment) Kind() Kind { return KindLLM }

// Fields implements [Fragment].
func (f LLMFragment) Fields() map[Field]Value {
	return map[Field]Value{
		FieldTimeToFirstToken: f.TTFT,
		FieldPromptTokens:     f.PromptTokens,
		FieldCompletionTokens: f.CompletionTokens,
	}
}

// TTSFragment carries speech-synthesis metrics.
type TTSFragment struct {
	TTFB          Value
	Duration      Value
	AudioDuration Value
}

// Kind implements [Fragment].
func (TTSFragment) Kind() Kind { return KindTTS }

// Fields implements [Fragment].
func (f TTSFragment) Fields() map[Field]Value {
	return map[Field]Value{
		FieldTTSTimeToFirstByte: f.TTFB,
		FieldTTSDuration:        f.Duration,
		FieldTTSAudioDuration:   f.AudioDuration,
	}
}
