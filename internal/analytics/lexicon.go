package analytics

import (
	"strings"
	"unicode"
)

var positiveWords = set(
	"good", "great", "love", "like", "perfect", "excellent", "happy", "interested",
	"wonderful", "nice", "awesome", "excited", "exciting", "helpful", "thanks",
	"thank", "amazing", "sure", "yes", "fantastic", "glad", "beautiful", "ideal",
	"fine", "appreciate", "definitely",
)

var negativeWords = set(
	"bad", "expensive", "hate", "terrible", "annoyed", "annoying", "frustrated",
	"frustrating", "worried", "problem", "awful", "difficult", "disappointed",
	"angry", "upset", "confused", "waste", "wrong", "overpriced", "stressful",
	"stop", "unfortunately", "busy", "spam",
)

var negators = set(
	"not", "no", "never", "don't", "dont", "doesn't", "doesnt", "isn't", "isnt",
	"wasn't", "wasnt", "can't", "cant", "won't", "wont", "hardly", "without",
	"aren't", "arent", "didn't", "didnt",
)

// negationWindow is how many following tokens a negator flips.
const negationWindow = 3

// Sentiment scores text in [-1, 1] with a word lexicon. A negator flips the
// polarity of sentiment words in the next few tokens ("not happy" counts as
// negative). Text without sentiment words scores 0.
func Sentiment(text string) float64 {
	var pos, neg float64
	flip := 0
	for _, tok := range tokens(text) {
		polarity := 0
		switch {
		case negators[tok]:
			flip = negationWindow
			continue
		case positiveWords[tok]:
			polarity = 1
		case negativeWords[tok]:
			polarity = -1
		}
		if flip > 0 {
			flip--
			polarity = -polarity
		}
		switch polarity {
		case 1:
			pos++
		case -1:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return (pos - neg) / (pos + neg)
}

// tokens lowercases text and splits it into words, keeping apostrophes.
func tokens(text string) []string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
