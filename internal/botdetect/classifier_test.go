package botdetect

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freedom13/abuseguard/internal/config"
)

const (
	chromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefoxUA = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/json")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", "https://freedom13.example/feed")
	return h
}

func newClassifier(t *testing.T, extra ...string) *Classifier {
	t.Helper()
	c, err := New(&config.BotConfig{Enabled: true, ChallengeScore: 50, ExtraSignatures: extra})
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	c := newClassifier(t)

	without := func(names ...string) http.Header {
		h := browserHeaders()
		for _, n := range names {
			h.Del(n)
		}
		return h
	}
	with := func(name, value string) http.Header {
		h := browserHeaders()
		h.Set(name, value)
		return h
	}

	testCases := []struct {
		name              string
		meta              Metadata
		expectedScore     int
		expectedBot       bool
		expectedChallenge bool
	}{
		{
			name:          "real browser with full headers",
			meta:          Metadata{Method: http.MethodPost, UserAgent: chromeUA, Header: browserHeaders()},
			expectedScore: 0,
		},
		{
			name:          "missing accept language",
			meta:          Metadata{Method: http.MethodPost, UserAgent: firefoxUA, Header: without("Accept-Language")},
			expectedScore: 20,
		},
		{
			name:          "missing referer on post",
			meta:          Metadata{Method: http.MethodPost, UserAgent: chromeUA, Header: without("Referer")},
			expectedScore: 15,
		},
		{
			name:          "missing referer on head is fine",
			meta:          Metadata{Method: http.MethodHead, UserAgent: chromeUA, Header: without("Referer")},
			expectedScore: 0,
		},
		{
			name:              "all browser headers missing",
			meta:              Metadata{Method: http.MethodPost, UserAgent: chromeUA, Header: without("Accept", "Accept-Language", "Referer")},
			expectedScore:     45,
			expectedChallenge: false,
		},
		{
			name:              "spoofed proxy header",
			meta:              Metadata{Method: http.MethodPost, UserAgent: chromeUA, Header: with("X-Real-IP-Original", "10.0.0.1")},
			expectedScore:     25,
			expectedBot:       true,
			expectedChallenge: true,
		},
		{
			name:              "headless chrome",
			meta:              Metadata{Method: http.MethodPost, UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36", Header: browserHeaders()},
			expectedBot:       true,
			expectedChallenge: true,
		},
		{
			name:              "empty user agent",
			meta:              Metadata{Method: http.MethodPost, UserAgent: "", Header: browserHeaders()},
			expectedScore:     30,
			expectedBot:       true,
			expectedChallenge: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := c.Classify(tc.meta)
			if tc.expectedScore > 0 || !tc.expectedBot {
				require.Equal(t, tc.expectedScore, res.Score, "reasons: %v", res.Reasons)
			}
			require.Equal(t, tc.expectedBot, res.IsBot, "reasons: %v", res.Reasons)
			require.Equal(t, tc.expectedChallenge, c.RequiresChallenge(res))
		})
	}
}

func TestClassify_HTTPLibraries(t *testing.T) {
	c := newClassifier(t)
	for _, ua := range []string{"curl/8.4.0", "python-requests/2.31.0", "Go-http-client/1.1 golang", "Wget/1.21", "PostmanRuntime/7.36.0"} {
		t.Run(ua, func(t *testing.T) {
			res := c.Classify(Metadata{Method: http.MethodPost, UserAgent: ua, Header: browserHeaders()})
			require.True(t, res.IsBot)
			require.GreaterOrEqual(t, res.Score, 30)
			require.True(t, c.RequiresChallenge(res))
		})
	}
}

func TestClassify_ExtraSignatures(t *testing.T) {
	c := newClassifier(t, "  ", "MegaSpam.Tool")
	res := c.Classify(Metadata{Method: http.MethodPost, UserAgent: chromeUA + " megaspam.tool/1.0", Header: browserHeaders()})
	require.True(t, res.IsBot)
	require.Contains(t, res.Reasons, "bot_signature:megaspam.tool")

	res = c.Classify(Metadata{Method: http.MethodPost, UserAgent: chromeUA + " megaspamXtool", Header: browserHeaders()})
	require.False(t, res.IsBot, "signatures are literal, not patterns")
}

func TestRequiresChallenge_ScoreThreshold(t *testing.T) {
	c := newClassifier(t)
	require.False(t, c.RequiresChallenge(Result{Score: 50}))
	require.True(t, c.RequiresChallenge(Result{Score: 51}))
	require.True(t, c.RequiresChallenge(Result{IsBot: true}))
}

func TestMetadataFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/comments", nil)
	r.Header.Set("User-Agent", chromeUA)
	r.Header.Set("Accept", "*/*")

	m := MetadataFromRequest(r)
	require.Equal(t, http.MethodPost, m.Method)
	require.Equal(t, chromeUA, m.UserAgent)
	require.Equal(t, "*/*", m.Header.Get("Accept"))
}
