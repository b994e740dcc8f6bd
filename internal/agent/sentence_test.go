package agent

import (
	"slices"
	"testing"
)

func TestSentenceSplitter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks []string
		want   []string
		tail   string
	}{
		{name: "single chunk", chunks: []string{"Hi. How are you? "}, want: []string{"Hi. ", "How are you? "}},
		{name: "split across chunks", chunks: []string{"Hel", "lo the", "re. Next"}, want: []string{"Hello there. "}, tail: "Next"},
		{name: "terminator at end waits", chunks: []string{"Pi is 3."}, tail: "Pi is 3."},
		{name: "decimal", chunks: []string{"Pi is 3.", "14! Yes"}, want: []string{"Pi is 3.14! "}, tail: "Yes"},
		{name: "newline boundary", chunks: []string{"Done!\nOk"}, want: []string{"Done! "}, tail: "Ok"},
		{name: "empty", chunks: []string{""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var sp sentenceSplitter
			var got []string
			for _, c := range tc.chunks {
				got = append(got, sp.push(c)...)
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("sentences = %q, want %q", got, tc.want)
			}
			if tail := sp.flush(); tail != tc.tail {
				t.Errorf("flush() = %q, want %q", tail, tc.tail)
			}
		})
	}
}

func TestSentenceBoundary(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"":           -1,
		"no end":     -1,
		"end.":       -1,
		"a. b":       1,
		"why? not":   3,
		"v1.2 is ok": -1,
	}
	for in, want := range tests {
		if got := sentenceBoundary(in); got != want {
			t.Errorf("sentenceBoundary(%q) = %d, want %d", in, got, want)
		}
	}
}
