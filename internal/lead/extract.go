package lead

import (
	"regexp"
	"strconv"
	"strings"
)

// RuleConfidence is the confidence attached to entities found by [Extract].
const RuleConfidence = 0.6

var (
	amountRe    = `\$?\s?(\d+(?:[.,]\d+)*)\s*(k|m|thousand|million|mil)?\b`
	rangeRe     = regexp.MustCompile(`(?i)between\s+` + amountRe + `\s+and\s+` + amountRe)
	maxBudgetRe = regexp.MustCompile(`(?i)(?:under|below|less than|up to|max(?:imum)?(?: of)?|no more than|budget (?:is|of)|around|about)\s+` + amountRe)
	minBudgetRe = regexp.MustCompile(`(?i)(?:over|above|at least|more than|starting at|from)\s+` + amountRe)
	dollarRe    = regexp.MustCompile(`(?i)\$\s?(\d+(?:[.,]\d+)*)\s*(k|m|thousand|million|mil)?\b`)

	bedroomRe = regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|five|six)[\s-]*(?:bed(?:room)?s?|br)\b`)

	timelineRe = regexp.MustCompile(`(?i)\b(?:in|within|next|about|around)\s+(?:the\s+next\s+)?(?:a\s+)?(\d+|a|an|one|two|three|four|five|six|nine|twelve|eighteen|couple(?: of)?|few)\s+(week|month|year)s?\b`)
	asapRe     = regexp.MustCompile(`(?i)\b(?:asap|as soon as possible|right away|immediately|right now)\b`)
	thisYearRe = regexp.MustCompile(`(?i)\b(?:this year|by the end of the year)\b`)
	nextYearRe = regexp.MustCompile(`(?i)\bnext year\b`)

	propertyRe = regexp.MustCompile(`(?i)\b(single[\s-]family|condo(?:minium)?|apartment|townhouse|townhome|duplex|house|home|loft)s?\b`)

	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[\s.-]?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)

	placeRe = regexp.MustCompile(`\b(?:in|near|around|moving to|move to|relocating to)\s+((?:[A-Z][a-z]+)(?:\s+[A-Z][a-z]+){0,2})`)
)

var wordNumbers = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"nine": 9, "twelve": 12, "eighteen": 18, "couple": 2, "couple of": 2, "few": 3,
}

var propertyCanon = map[string]string{
	"single family": "house", "single-family": "house", "house": "house", "home": "house",
	"condo": "condo", "condominium": "condo", "apartment": "apartment", "loft": "apartment",
	"townhouse": "townhouse", "townhome": "townhouse", "duplex": "duplex",
}

// keyword → motivation
var motivations = []struct{ kw, value string }{
	{"relocat", "relocation"},
	{"new job", "relocation"},
	{"moving for work", "relocation"},
	{"growing family", "growing family"},
	{"baby", "growing family"},
	{"more space", "more space"},
	{"downsiz", "downsizing"},
	{"retir", "retirement"},
	{"invest", "investment"},
	{"rental", "investment"},
	{"first home", "first home"},
	{"first-time", "first home"},
	{"stop renting", "first home"},
	{"divorce", "life change"},
}

var decisionPhrases = []struct{ kw, value string }{
	{"my decision", "self"},
	{"i decide", "self"},
	{"just me", "self"},
	{"only me", "self"},
	{"decision maker", "self"},
	{"my wife", "shared"},
	{"my husband", "shared"},
	{"my partner", "shared"},
	{"my spouse", "shared"},
	{"we both", "shared"},
	{"talk it over", "shared"},
	{"my parents", "other"},
	{"my boss", "other"},
	{"for a client", "other"},
	{"on behalf of", "other"},
}

var intentPhrases = []struct {
	kw       string
	strength float64
}{
	{"pre-approved", 0.9},
	{"preapproved", 0.9},
	{"cash buyer", 0.9},
	{"ready to buy", 0.9},
	{"ready to make an offer", 0.95},
	{"want to buy", 0.7},
	{"looking to buy", 0.7},
	{"looking for", 0.6},
	{"interested in", 0.5},
	{"thinking about", 0.4},
	{"just browsing", 0.2},
	{"just looking", 0.2},
	{"not sure", 0.3},
}

// Extract finds qualification signals in a caller utterance with simple
// patterns. It covers the common phrasings ("under $400k", "3-bedroom",
// "in six months") so signals survive when the reasoning provider omits
// them. Locations are only taken from capitalised place names after a
// preposition; use [Gazetteer.Scan] to find lowercase service areas.
func Extract(text string) Entities {
	var e Entities
	lower := strings.ToLower(text)

	if m := rangeRe.FindStringSubmatch(text); m != nil {
		e.BudgetMin = amount(m[1], m[2])
		e.BudgetMax = amount(m[3], m[4])
	} else {
		if m := maxBudgetRe.FindStringSubmatch(text); m != nil && plausibleBudget(m[1], m[2]) {
			e.BudgetMax = amount(m[1], m[2])
		}
		if m := minBudgetRe.FindStringSubmatch(text); m != nil && plausibleBudget(m[1], m[2]) {
			e.BudgetMin = amount(m[1], m[2])
		}
		if e.BudgetMin == 0 && e.BudgetMax == 0 {
			if m := dollarRe.FindStringSubmatch(text); m != nil {
				e.BudgetMax = amount(m[1], m[2])
			}
		}
	}

	if m := bedroomRe.FindStringSubmatch(text); m != nil {
		e.Bedrooms = count(m[1])
	}

	switch m := timelineRe.FindStringSubmatch(text); {
	case m != nil:
		n := count(m[1])
		switch strings.ToLower(m[2]) {
		case "week":
			e.TimelineMonths = max(1, n/4)
		case "year":
			e.TimelineMonths = n * 12
		default:
			e.TimelineMonths = n
		}
	case asapRe.MatchString(text):
		e.TimelineMonths = 1
	case thisYearRe.MatchString(text):
		e.TimelineMonths = 6
	case nextYearRe.MatchString(text):
		e.TimelineMonths = 12
	}

	if m := propertyRe.FindStringSubmatch(text); m != nil {
		e.PropertyType = propertyCanon[strings.ToLower(strings.ReplaceAll(m[1], "-", " "))]
		if e.PropertyType == "" {
			e.PropertyType = propertyCanon[strings.ToLower(m[1])]
		}
	} else if e.Bedrooms > 0 {
		// "a 3-bedroom" with no other type named.
		e.PropertyType = "house"
	}

	for _, mv := range motivations {
		if strings.Contains(lower, mv.kw) {
			e.Motivation = mv.value
			break
		}
	}
	for _, d := range decisionPhrases {
		if strings.Contains(lower, d.kw) {
			e.DecisionMaker = d.value
			break
		}
	}
	for _, ip := range intentPhrases {
		if strings.Contains(lower, ip.kw) {
			e.IntentStrength = ip.strength
			break
		}
	}

	if m := emailRe.FindString(text); m != "" {
		e.Contact = m
	} else if m := phoneRe.FindString(text); m != "" {
		e.Contact = strings.TrimSpace(m)
	}

	for _, m := range placeRe.FindAllStringSubmatch(text, -1) {
		e.Locations = append(e.Locations, m[1])
	}
	return e
}

func amount(num, unit string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(unit) {
	case "k", "thousand":
		v *= 1_000
	case "m", "million", "mil":
		v *= 1_000_000
	}
	return v
}

// plausibleBudget rejects bare small numbers such as "under 3" that are not
// prices.
func plausibleBudget(num, unit string) bool {
	return unit != "" || amount(num, "") >= 10_000
}

func count(s string) float64 {
	s = strings.ToLower(s)
	if v, ok := wordNumbers[s]; ok {
		return v
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
