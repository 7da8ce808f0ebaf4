package summary

import (
	"sort"
	"strings"
	"unicode"

	"github.com/lexiqai/meeting-recorder/internal/stt"
)

// DefaultSentences is how many sentences the extractive summary keeps
const DefaultSentences = 3

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "so": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"we": {}, "were": {}, "will": {}, "with": {}, "you": {}, "yeah": {}, "um": {}, "uh": {}, "okay": {},
}

// Extractive picks the highest-scoring sentences by content-word frequency
// and returns them in spoken order
func Extractive(transcript []stt.TranscriptSegment, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = DefaultSentences
	}

	var sentences []string
	for _, seg := range transcript {
		sentences = append(sentences, splitSentences(seg.Text)...)
	}
	if len(sentences) == 0 {
		return ""
	}
	if len(sentences) <= maxSentences {
		return strings.Join(sentences, " ")
	}

	freq := make(map[string]int)
	tokenized := make([][]string, len(sentences))
	for i, s := range sentences {
		tokenized[i] = contentWords(s)
		for _, w := range tokenized[i] {
			freq[w]++
		}
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, words := range tokenized {
		total := 0
		for _, w := range words {
			total += freq[w]
		}
		score := 0.0
		if len(words) > 0 {
			score = float64(total) / float64(len(words))
		}
		ranked[i] = scored{index: i, score: score}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	picked := ranked[:maxSentences]
	sort.Slice(picked, func(a, b int) bool { return picked[a].index < picked[b].index })

	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = sentences[p.index]
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		s := strings.TrimSpace(b.String())
		if s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			flush()
		}
	}
	flush()
	return out
}

func contentWords(sentence string) []string {
	fields := strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop || len(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}
