package capture

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/starford/mneme/internal/models"
)

// Scorer turns rule matches into one memory type and a confidence in [0,1].
//
// The confidence of a type is the weight of its strongest matching rule,
// plus CorroborationBonus per additional match (at most MaxCorroboration),
// plus SpecificityBonus when a concrete noun phrase follows a trigger,
// plus RationaleBonus when a trigger is followed by a reason in the same
// sentence. The type with the highest confidence wins.
type Scorer struct {
	Rules              []Rule
	SpecificityBonus   float64
	CorroborationBonus float64
	MaxCorroboration   int
	RationaleBonus     float64
	// Lookahead is how many words after a trigger are checked for specificity.
	Lookahead int
	// Fallback is the confidence given to text no rule matches.
	Fallback float64
}

// NewScorer returns a Scorer over DefaultRules with the default bonuses.
func NewScorer() *Scorer {
	return &Scorer{
		Rules:              DefaultRules,
		SpecificityBonus:   0.1,
		CorroborationBonus: 0.05,
		MaxCorroboration:   2,
		RationaleBonus:     0.05,
		Lookahead:          4,
		Fallback:           0.5,
	}
}

// Score is the outcome for one piece of text.
type Score struct {
	Type       models.MemoryType `json:"memory_type"`
	Confidence float64           `json:"confidence"`
	Rule       string            `json:"rule,omitempty"`
}

type tally struct {
	best      Rule
	matches   int
	specific  bool
	justified bool
}

// Score classifies text.
func (s *Scorer) Score(text string) Score {
	byType := map[models.MemoryType]*tally{}
	var order []models.MemoryType

	for _, r := range s.Rules {
		locs := r.Pattern.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		t, ok := byType[r.Type]
		if !ok {
			t = &tally{best: r}
			byType[r.Type] = t
			order = append(order, r.Type)
		} else if r.Weight > t.best.Weight {
			t.best = r
		}
		t.matches += len(locs)
		for _, loc := range locs {
			tail := sentence(text[loc[1]:])
			if s.concreteFollows(tail) {
				t.specific = true
			}
			if rationale.MatchString(tail) {
				t.justified = true
			}
		}
	}

	if len(order) == 0 {
		return Score{Type: models.TypeContext, Confidence: s.Fallback}
	}

	var out Score
	for _, typ := range order {
		t := byType[typ]
		conf := t.best.Weight
		conf += float64(min(t.matches-1, s.MaxCorroboration)) * s.CorroborationBonus
		if t.specific {
			conf += s.SpecificityBonus
		}
		if t.justified {
			conf += s.RationaleBonus
		}
		conf = clamp(conf)
		if conf > out.Confidence {
			out = Score{Type: typ, Confidence: conf, Rule: t.best.Name}
		}
	}
	return out
}

var wordRe = regexp.MustCompile("[\\p{L}\\p{N}`._/+#-]+")

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "on": true,
	"in": true, "with": true, "it": true, "this": true, "that": true,
	"we": true, "i": true, "be": true, "is": true, "was": true, "and": true,
}

// concreteFollows reports whether one of the first Lookahead words of tail
// names something concrete: a proper noun, an identifier, a path or a
// known technology.
func (s *Scorer) concreteFollows(tail string) bool {
	words := wordRe.FindAllString(tail, s.Lookahead)
	for _, w := range words {
		if stopwords[strings.ToLower(w)] {
			continue
		}
		if isConcrete(w) {
			return true
		}
	}
	return false
}

func isConcrete(w string) bool {
	if strings.ContainsAny(strings.Trim(w, ".-"), "`._/") {
		return true
	}
	if isTech(strings.ToLower(w)) {
		return true
	}
	for _, r := range w {
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// sentence cuts s at the first sentence end.
func sentence(s string) string {
	end := len(s)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(s, sep); i >= 0 && i < end {
			end = i
		}
	}
	return s[:end]
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var techSet = func() map[string]bool {
	m := make(map[string]bool, len(techKeywords))
	for _, k := range techKeywords {
		m[k] = true
	}
	return m
}()

func isTech(w string) bool { return techSet[w] }

// Tags returns up to five technology keywords found in text as whole words,
// in keyword-table order.
func Tags(text string) []string {
	found := map[string]bool{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		w = strings.Trim(w, ".`")
		if techSet[w] {
			found[w] = true
		}
	}
	out := []string{}
	for _, k := range techKeywords {
		if found[k] {
			out = append(out, k)
			if len(out) == 5 {
				break
			}
		}
	}
	return out
}
