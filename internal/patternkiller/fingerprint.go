package patternkiller

import (
	"regexp"
	"strings"

	"github.com/DerianAndre/aidd.md-sub003/internal/storage"
)

var (
	sentenceSplit = regexp.MustCompile(`[.!?]+`)
	paragraphSplt = regexp.MustCompile(`\n\s*\n`)

	// Auxiliary verb followed by a past participle. A deliberately shallow
	// heuristic: real passive detection needs parsing, but a ratio over many
	// sentences is stable enough for a style fingerprint.
	passiveVoice = regexp.MustCompile(`(?i)\b(is|are|was|were|be|been|being)\s+\w+(ed|en)\b`)
)

// fillerPhrases counted for the filler-density metric and the voice penalty.
var fillerPhrases = []string{
	"basically",
	"essentially",
	"actually",
	"in order to",
	"needless to say",
	"at the end of the day",
	"it goes without saying",
	"as a matter of fact",
	"for all intents and purposes",
}

// ComputeFingerprint produces the seven statistical text metrics. It is a
// pure function over the text: no session state, no model inference.
func ComputeFingerprint(text string) storage.Fingerprint {
	fp := storage.Fingerprint{}

	words := strings.Fields(text)
	totalWords := len(words)
	if totalWords == 0 {
		return fp
	}

	sentences := splitNonEmpty(sentenceSplit, text)
	paragraphs := splitNonEmpty(paragraphSplt, text)

	if len(sentences) > 0 {
		lengths := make([]float64, len(sentences))
		var sum float64
		for i, s := range sentences {
			lengths[i] = float64(len(strings.Fields(s)))
			sum += lengths[i]
		}
		mean := sum / float64(len(lengths))
		fp.AvgSentenceLength = mean

		var varSum float64
		for _, l := range lengths {
			d := l - mean
			varSum += d * d
		}
		fp.SentenceLengthVariance = varSum / float64(len(lengths))

		fp.PassiveVoiceRatio = float64(len(passiveVoice.FindAllString(text, -1))) / float64(len(sentences))
	}

	if len(paragraphs) > 0 {
		fp.AvgParagraphLength = float64(len(sentences)) / float64(len(paragraphs))
	}

	unique := make(map[string]struct{}, totalWords)
	for _, w := range words {
		unique[strings.ToLower(strings.Trim(w, `.,;:!?"'()[]`))] = struct{}{}
	}
	fp.TypeTokenRatio = float64(len(unique)) / float64(totalWords)

	lower := strings.ToLower(text)
	var fillers int
	for _, phrase := range fillerPhrases {
		fillers += strings.Count(lower, phrase)
	}
	per1000 := 1000.0 / float64(totalWords)
	fp.FillerDensity = float64(fillers) * per1000
	fp.QuestionFrequency = float64(strings.Count(text, "?")) * per1000

	return fp
}

func splitNonEmpty(re *regexp.Regexp, text string) []string {
	parts := re.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
