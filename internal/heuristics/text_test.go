package heuristics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreText(t *testing.T) {
	testCases := []struct {
		name          string
		text          string
		maxURLs       int
		expectedScore int
		expectedLevel Level
		expectedURLs  int
	}{
		{
			name:          "plain text is safe",
			text:          "Hello there, nice weather today.",
			maxURLs:       1,
			expectedScore: 0,
			expectedLevel: LevelSafe,
		},
		{
			name:          "one keyword stays below suspicious",
			text:          "I like bitcoin a lot",
			maxURLs:       1,
			expectedScore: 2,
			expectedLevel: LevelSafe,
		},
		{
			name:          "caps alone reaches suspicious",
			text:          "HELLO WORLD AGAIN",
			maxURLs:       1,
			expectedScore: 3,
			expectedLevel: LevelSuspicious,
		},
		{
			name:          "caps need more than ten runes",
			text:          "HELLO THERE",
			maxURLs:       1,
			expectedScore: 3,
			expectedLevel: LevelSuspicious,
		},
		{
			name:          "short caps are ignored",
			text:          "OK THANKS",
			maxURLs:       1,
			expectedScore: 0,
			expectedLevel: LevelSafe,
		},
		{
			name:          "keywords and repeats top out suspicious",
			text:          "bitcoin and crypto news!!!!",
			maxURLs:       1,
			expectedScore: 6,
			expectedLevel: LevelSuspicious,
		},
		{
			name:          "keywords and caps reach likely spam",
			text:          "BITCOIN AND CRYPTO NEWS",
			maxURLs:       1,
			expectedScore: 7,
			expectedLevel: LevelLikelySpam,
		},
		{
			name:          "short text with a link",
			text:          "go https://x.io",
			maxURLs:       1,
			expectedScore: 3,
			expectedLevel: LevelSuspicious,
			expectedURLs:  1,
		},
		{
			name:          "shortener links flood a comment",
			text:          "BUY NOW http://bit.ly/x http://bit.ly/y http://bit.ly/z",
			maxURLs:       1,
			expectedScore: 7,
			expectedLevel: LevelLikelySpam,
			expectedURLs:  3,
		},
		{
			name:          "cyrillic caps count",
			text:          "ПРИВЕТ ВСЕМ ДРУЗЬЯ",
			maxURLs:       1,
			expectedScore: 3,
			expectedLevel: LevelSuspicious,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := ScoreText(tc.text, tc.maxURLs)
			require.Equal(t, tc.expectedScore, res.Score, "reasons: %v", res.Reasons)
			require.Equal(t, tc.expectedLevel, res.Level)
			require.Equal(t, tc.expectedURLs, res.URLCount)
		})
	}
}

func TestScoreText_ExcessiveURLs(t *testing.T) {
	res := ScoreText("BUY NOW http://bit.ly/x http://bit.ly/y http://bit.ly/z", 1)
	require.True(t, res.ExcessiveURLs)
	require.Equal(t, []string{"buy now"}, res.Keywords)
	require.Contains(t, res.Reasons, "excessive_urls:found_3,limit_1")

	res = ScoreText("docs at https://example.com/a and https://example.org/b for reference", 2)
	require.False(t, res.ExcessiveURLs)
	require.Equal(t, 2, res.URLCount)
}

func TestLevelFor(t *testing.T) {
	require.Equal(t, LevelSafe, LevelFor(0))
	require.Equal(t, LevelSafe, LevelFor(2))
	require.Equal(t, LevelSuspicious, LevelFor(3))
	require.Equal(t, LevelSuspicious, LevelFor(6))
	require.Equal(t, LevelLikelySpam, LevelFor(7))
	require.Equal(t, LevelLikelySpam, LevelFor(40))
}

func TestCountURLs(t *testing.T) {
	testCases := []struct {
		text     string
		expected int
	}{
		{"no links here", 0},
		{"https://example.com", 1},
		{"http://www.example.co.uk/path?q=1&x=2", 1},
		{"see bit.ly/abc and tinyurl.com/x", 2},
		{"http://bit.ly/a plus goo.gl/b", 2},
		{"https://a.example.com https://b.example.com https://c.example.com", 3},
	}
	for _, tc := range testCases {
		t.Run(tc.text, func(t *testing.T) {
			require.Equal(t, tc.expected, CountURLs(tc.text))
		})
	}
}

func TestScorer_ExtraKeywords(t *testing.T) {
	s := NewScorer([]string{"  Cheap Watches ", "", "BITCOIN"})

	hits := s.MatchKeywords("get CHEAP WATCHES and bitcoin")
	require.ElementsMatch(t, []string{"bitcoin", "cheap watches"}, hits, "duplicates collapse and matching ignores case")

	res := s.Score("get cheap watches today", 1)
	require.Equal(t, 2, res.Score)
}

func TestNormalizeAndHash(t *testing.T) {
	require.Equal(t, "hello world", Normalize("  Hello World \n"))
	require.Equal(t, ContentHash("Hello World"), ContentHash("  hello world "))
	require.NotEqual(t, ContentHash("hello world"), ContentHash("hello  world"))
	require.NotEqual(t, RawHash("Hello"), RawHash("hello"))
	require.Len(t, ContentHash("x"), 64)
}

func TestPreview(t *testing.T) {
	require.Equal(t, "héll", Preview("héllo", 4))
	require.Equal(t, "héllo", Preview("héllo", 10))
	require.Empty(t, Preview("héllo", 0))
}
