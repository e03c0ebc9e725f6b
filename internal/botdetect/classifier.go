// Package botdetect scores request metadata for signs of automation.
package botdetect

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mssola/useragent"

	"github.com/freedom13/abuseguard/internal/config"
)

const (
	signatureWeight       = 30
	unparseableWeight     = 30
	noAcceptLanguageScore = 20
	noRefererScore        = 15
	proxyHeaderScore      = 25
	noAcceptScore         = 10
)

var defaultSignatures = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"selenium", "phantomjs", "headless", "puppeteer",
	"requests", "httplib", "urllib", "python",
	"ruby", "java", "golang", "node",
	"postman", "insomnia", "swagger",
	"googlebot", "bingbot", "yandexbot", "applebot",
	"facebookexternalhit", "slurp",
}

// suspiciousHeaders are only ever set by misconfigured or spoofing proxies.
var suspiciousHeaders = []string{
	"X-Forwarded-For-Original",
	"X-Real-IP-Original",
	"X-Forwarded-Host-Original",
	"X-Forwarded-Proto-Original",
}

// Metadata is the slice of a request the classifier looks at.
type Metadata struct {
	Method    string
	UserAgent string
	Header    http.Header
}

func MetadataFromRequest(r *http.Request) Metadata {
	return Metadata{Method: r.Method, UserAgent: r.UserAgent(), Header: r.Header}
}

type Result struct {
	IsBot   bool     `json:"is_bot"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

type Classifier struct {
	signatures     *regexp.Regexp
	challengeScore int
}

func New(cfg *config.BotConfig) (*Classifier, error) {
	parts := make([]string, 0, len(defaultSignatures)+len(cfg.ExtraSignatures))
	for _, s := range defaultSignatures {
		parts = append(parts, regexp.QuoteMeta(s))
	}
	for _, s := range cfg.ExtraSignatures {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, regexp.QuoteMeta(s))
		}
	}
	re, err := regexp.Compile("(?i)(?:" + strings.Join(parts, "|") + ")")
	if err != nil {
		return nil, fmt.Errorf("invalid bot signature list: %w", err)
	}
	return &Classifier{signatures: re, challengeScore: cfg.ChallengeScore}, nil
}

func (c *Classifier) Classify(m Metadata) Result {
	var res Result
	hit := func(score int, bot bool, reason string) {
		res.Score += score
		res.IsBot = res.IsBot || bot
		res.Reasons = append(res.Reasons, reason)
	}

	if sig := c.signatures.FindString(m.UserAgent); sig != "" {
		hit(signatureWeight, true, "bot_signature:"+strings.ToLower(sig))
	}
	if !isRealBrowser(m.UserAgent) {
		hit(unparseableWeight, true, "not_a_browser")
	}
	if m.Header.Get("Accept-Language") == "" {
		hit(noAcceptLanguageScore, false, "missing_accept_language")
	}
	if m.Header.Get("Referer") == "" && m.Method != http.MethodOptions && m.Method != http.MethodHead {
		hit(noRefererScore, false, "missing_referer")
	}
	for _, h := range suspiciousHeaders {
		if m.Header.Get(h) != "" {
			hit(proxyHeaderScore, true, "suspicious_header:"+strings.ToLower(h))
			break
		}
	}
	if m.Header.Get("Accept") == "" {
		hit(noAcceptScore, false, "missing_accept")
	}
	return res
}

// RequiresChallenge is true for detected bots and for scores above the challenge threshold.
func (c *Classifier) RequiresChallenge(res Result) bool {
	return res.IsBot || res.Score > c.challengeScore
}

func isRealBrowser(uaString string) bool {
	if uaString == "" {
		return false
	}
	ua := useragent.New(uaString)
	if ua.Bot() {
		return false
	}
	browser, _ := ua.Browser()
	return ua.OS() != "" && browser != ""
}
