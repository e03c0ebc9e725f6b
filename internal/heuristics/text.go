// Package heuristics scores text and posting history for spam signals. All
// functions are pure apart from the duplicate lookup, which reads history
// through an interface.
package heuristics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Level buckets a text score.
type Level string

const (
	LevelSafe       Level = "safe"
	LevelSuspicious Level = "suspicious"
	LevelLikelySpam Level = "likely_spam"
)

const (
	keywordWeight      = 2
	excessiveURLWeight = 5
	capsWeight         = 3
	repeatWeight       = 2
	shortLinkWeight    = 3

	capsMinLength     = 10
	capsMaxRatio      = 0.3
	repeatRunLength   = 4
	shortTextMaxRunes = 20

	suspiciousScore = 3
	likelySpamScore = 7
)

var (
	urlRegex = regexp.MustCompile(
		`(?i)https?://(?:www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b[-a-zA-Z0-9()@:%_+.~#?&/=]*`)
	shortenerRegex = regexp.MustCompile(
		`(?i)(?:bit\.ly|tinyurl|goo\.gl|ow\.ly|is\.gd|short\.link|linktr\.ee)[\w/]*`)
)

// LevelFor maps a score to its bucket: below 3 safe, 3 to 6 suspicious, 7 and up likely spam.
func LevelFor(score int) Level {
	switch {
	case score < suspiciousScore:
		return LevelSafe
	case score < likelySpamScore:
		return LevelSuspicious
	default:
		return LevelLikelySpam
	}
}

type TextScore struct {
	Score    int      `json:"score"`
	Level    Level    `json:"level"`
	Reasons  []string `json:"reasons,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	URLCount int      `json:"url_count"`
	// ExcessiveURLs is set when URLCount is above the allowed maximum.
	ExcessiveURLs bool `json:"excessive_urls"`
}

// Scorer holds the keyword list. It is safe for concurrent use.
type Scorer struct {
	keywords []string
}

// NewScorer builds a scorer from the default keywords plus extra ones.
func NewScorer(extra []string) *Scorer {
	seen := make(map[string]struct{}, len(defaultKeywords)+len(extra))
	keywords := make([]string, 0, len(defaultKeywords)+len(extra))
	for _, kw := range slices.Concat(defaultKeywords, extra) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}
	return &Scorer{keywords: keywords}
}

var defaultScorer = NewScorer(nil)

// ScoreText scores text with the built-in keyword list.
func ScoreText(text string, maxURLs int) TextScore {
	return defaultScorer.Score(text, maxURLs)
}

func (s *Scorer) Score(text string, maxURLs int) TextScore {
	var res TextScore

	if hits := s.MatchKeywords(text); len(hits) > 0 {
		res.Keywords = hits
		res.Score += keywordWeight * len(hits)
		res.Reasons = append(res.Reasons, "spam_keywords:"+strings.Join(hits[:min(len(hits), 3)], ","))
	}

	res.URLCount = CountURLs(text)
	if res.URLCount > maxURLs {
		res.ExcessiveURLs = true
		res.Score += excessiveURLWeight
		res.Reasons = append(res.Reasons, fmt.Sprintf("excessive_urls:found_%d,limit_%d", res.URLCount, maxURLs))
	}

	length := utf8.RuneCountInString(text)
	if length > capsMinLength {
		if ratio := capsRatio(text, length); ratio > capsMaxRatio {
			res.Score += capsWeight
			res.Reasons = append(res.Reasons, fmt.Sprintf("excessive_caps:ratio_%.2f,limit_%.2f", ratio, capsMaxRatio))
		}
	}

	if hasCharRun(text, repeatRunLength) {
		res.Score += repeatWeight
		res.Reasons = append(res.Reasons, "repeated_characters")
	}

	if length < shortTextMaxRunes && res.URLCount > 0 {
		res.Score += shortLinkWeight
		res.Reasons = append(res.Reasons, "short_text_with_link")
	}

	res.Level = LevelFor(res.Score)
	return res
}

// MatchKeywords returns every distinct keyword contained in text.
func (s *Scorer) MatchKeywords(text string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// CountURLs counts full http(s) URLs plus shortener links that are not part of
// a full URL already counted.
func CountURLs(text string) int {
	full := urlRegex.FindAllStringIndex(text, -1)
	count := len(full)
	for _, m := range shortenerRegex.FindAllStringIndex(text, -1) {
		inside := false
		for _, f := range full {
			if m[0] >= f[0] && m[1] <= f[1] {
				inside = true
				break
			}
		}
		if !inside {
			count++
		}
	}
	return count
}

func capsRatio(text string, length int) float64 {
	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper) / float64(length)
}

// hasCharRun reports whether any rune other than a newline repeats n times in a row.
func hasCharRun(text string, n int) bool {
	var prev rune = -1
	run := 0
	for _, r := range text {
		if r == prev && r != '\n' {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= n {
			return true
		}
	}
	return false
}
