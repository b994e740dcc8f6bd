package agent

import "strings"

// sentenceSplitter accumulates streamed LLM text and releases it one
// complete sentence at a time, so synthesis can start before the reply is
// finished.
type sentenceSplitter struct {
	buf strings.Builder
}

// push appends text and returns every sentence completed by it.
func (sp *sentenceSplitter) push(text string) []string {
	sp.buf.WriteString(text)
	var out []string
	for {
		pending := sp.buf.String()
		idx := sentenceBoundary(pending)
		if idx < 0 {
			return out
		}
		sentence := strings.TrimSpace(pending[:idx+1])
		rest := pending[idx+1:]
		sp.buf.Reset()
		sp.buf.WriteString(rest)
		if sentence != "" {
			out = append(out, sentence+" ")
		}
	}
}

// flush returns whatever text is left without a terminator.
func (sp *sentenceSplitter) flush() string {
	rest := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return rest
}

// sentenceBoundary returns the index of the first '.', '!' or '?' followed
// by whitespace, or -1. A terminator at the very end is not a boundary yet:
// the next chunk may continue a number or an abbreviation.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
