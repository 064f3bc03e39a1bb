package lead

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Match thresholds for [Gazetteer.Match].
const (
	fuzzyThreshold    = 0.85
	phoneticThreshold = 0.70
)

type area struct {
	name      string
	compact   string
	primary   string
	secondary string
}

// Gazetteer canonicalises spoken place names against a fixed list of service
// areas. Transcription tends to split or misspell names ("Oak Land",
// "Berkly"), so matching is done on a whitespace-free form, then on Double
// Metaphone codes, then by Jaro-Winkler similarity.
//
// A Gazetteer is immutable and safe for concurrent use.
type Gazetteer struct {
	areas []area
	// longest area name in words, for [Gazetteer.Scan].
	maxWords int
}

// NewGazetteer builds a Gazetteer over the given area names. Blank names are
// ignored.
func NewGazetteer(names []string) *Gazetteer {
	g := &Gazetteer{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		c := compact(n)
		p, s := matchr.DoubleMetaphone(c)
		g.areas = append(g.areas, area{name: n, compact: c, primary: p, secondary: s})
		g.maxWords = max(g.maxWords, len(strings.Fields(n)))
	}
	return g
}

// Len returns the number of configured areas.
func (g *Gazetteer) Len() int { return len(g.areas) }

// Match returns the canonical service-area name for a spoken place name.
func (g *Gazetteer) Match(spoken string) (string, bool) {
	c := compact(spoken)
	if c == "" {
		return "", false
	}
	for _, a := range g.areas {
		if a.compact == c {
			return a.name, true
		}
	}

	p, s := matchr.DoubleMetaphone(c)
	var (
		best  string
		bestS float64
	)
	for _, a := range g.areas {
		sim := matchr.JaroWinkler(c, a.compact, false)
		if sim >= fuzzyThreshold && sim > bestS {
			best, bestS = a.name, sim
			continue
		}
		if phoneticEqual(p, s, a) && sim >= phoneticThreshold && sim > bestS {
			best, bestS = a.name, sim
		}
	}
	return best, best != ""
}

// Scan returns the service areas mentioned anywhere in text, in order of
// first mention and without duplicates.
func (g *Gazetteer) Scan(text string) []string {
	if len(g.areas) == 0 {
		return nil
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	var (
		out  []string
		seen = map[string]bool{}
	)
	for i := 0; i < len(words); i++ {
		// One extra word covers names split by transcription ("Oak Land").
		for n := 1; n <= min(g.maxWords+1, len(words)-i); n++ {
			cand := strings.Join(words[i:i+n], " ")
			if len(compact(cand)) < 4 {
				continue
			}
			name, ok := g.Match(cand)
			if !ok {
				continue
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			i += n - 1
			break
		}
	}
	return out
}

func phoneticEqual(p, s string, a area) bool {
	if p == "" {
		return false
	}
	return p == a.primary || (s != "" && (s == a.primary || s == a.secondary)) || p == a.secondary
}

// compact lowercases and strips everything but letters and digits.
func compact(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
