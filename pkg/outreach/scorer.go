package outreach

import (
	"encoding/json"
	"strings"
)

// Scorer rates one agent's response between 0 and 1.
type Scorer interface {
	Score(response map[string]any) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(response map[string]any) float64

func (f ScorerFunc) Score(response map[string]any) float64 { return f(response) }

// KeywordScorer rates responses by keyword hits in the flattened payload,
// with a small base score for answering with any substance at all.
type KeywordScorer struct {
	Keywords []string
}

// NewKeywordScorer builds the default scorer.
func NewKeywordScorer(keywords []string) *KeywordScorer {
	return &KeywordScorer{Keywords: keywords}
}

// Score returns 0 for an empty response. A non-empty response starts at 0.2
// and earns the rest proportionally to keyword coverage; with no keywords
// configured any substantive answer scores 0.5.
func (s *KeywordScorer) Score(response map[string]any) float64 {
	if len(response) == 0 {
		return 0
	}
	if len(s.Keywords) == 0 {
		return 0.5
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return 0
	}
	text := strings.ToLower(string(raw))

	hits := 0
	for _, kw := range s.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(text, strings.ToLower(kw)) {
			hits++
		}
	}
	return 0.2 + 0.8*float64(hits)/float64(len(s.Keywords))
}
