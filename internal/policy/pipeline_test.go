package policy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freedom13/abuseguard/internal/botdetect"
	"github.com/freedom13/abuseguard/internal/captcha"
	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/heuristics"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/ratelimit"
	"github.com/freedom13/abuseguard/internal/store"
	"github.com/freedom13/abuseguard/internal/testutils"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type harness struct {
	clock     *testutils.Clock
	sql       *store.SQLStore
	mem       *store.MemoryStore
	bans      *testutils.FlakyBanRegistry
	cfg       *config.Config
	captchas  *captcha.Store
	collector *recordingCollector
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	clock := testutils.NewClock(testutils.Epoch)
	sqlStore := testutils.NewSQLStore(t, clock)
	mem := store.NewMemoryStore(1000, time.Hour, clock.Now)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return &harness{
		clock:     clock,
		sql:       sqlStore,
		mem:       mem,
		bans:      &testutils.FlakyBanRegistry{BanRegistry: sqlStore},
		cfg:       cfg,
		captchas:  captcha.New(mem, &cfg.Captcha),
		collector: &recordingCollector{},
	}
}

func (h *harness) pipeline(t *testing.T, dryRun bool) *Pipeline {
	t.Helper()
	p, err := Build(h.cfg, Deps{
		Bans:     h.bans,
		Counter:  h.mem,
		Cache:    h.mem,
		History:  h.sql,
		SpamLogs: h.sql,
		ModLogs:  h.sql,
		Captchas: h.captchas,
		Metrics:  h.collector,
		Now:      h.clock.Now,
	}, dryRun)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (h *harness) spamLogs(t *testing.T) []model.SpamLogEntry {
	t.Helper()
	logs, err := h.sql.ListSpamLogs(context.Background(), store.SpamLogFilter{})
	require.NoError(t, err)
	return logs
}

// seed stores a past submission directly, bypassing the pipeline.
func (h *harness) seed(t *testing.T, sub *Submission, age time.Duration) {
	t.Helper()
	err := h.sql.InsertSubmission(context.Background(), &model.Submission{
		ActorKey:         sub.ActorKey(),
		ActorID:          sub.ActorID,
		IPAddress:        sub.IP,
		Kind:             sub.Action,
		Body:             sub.Text,
		ContentHash:      heuristics.ContentHash(sub.Text),
		HasURL:           heuristics.CountURLs(sub.Text) > 0,
		ModerationStatus: model.StatusApproved,
		CreatedAt:        h.clock.Now().Add(-age),
	})
	require.NoError(t, err)
}

func browser() botdetect.Metadata {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", "https://freedom13.example/feed")
	return botdetect.Metadata{Method: http.MethodPost, UserAgent: chromeUA, Header: h}
}

func submission(action model.Action, ip, text string) *Submission {
	return &Submission{Action: action, IP: ip, Text: text, Request: browser()}
}

type recordingCollector struct {
	mu       sync.Mutex
	errors   map[string]int
	verdicts []string
}

func (c *recordingCollector) ReportGate(string, string, time.Duration) {}

func (c *recordingCollector) ReportGateError(gate string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errors == nil {
		c.errors = make(map[string]int)
	}
	c.errors[gate]++
}

func (c *recordingCollector) ReportVerdict(action, verdict, typ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdicts = append(c.verdicts, action+"/"+verdict+"/"+typ)
}

func TestPipeline_GateOrder(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	require.Equal(t, []string{GateBan, GateRate, GateCooldown, GateCaptcha, GateContent, GateBehavior}, p.GateNames())

	h = newHarness(t, func(c *config.Config) {
		c.RateLimit.Enabled = false
		c.Cooldown.Enabled = false
		c.Bot.Enabled = false
		c.Behavior.Enabled = false
	})
	p = h.pipeline(t, false)
	require.Equal(t, []string{GateBan, GateContent}, p.GateNames())
}

func TestPipeline_TextRouting(t *testing.T) {
	testCases := []struct {
		name            string
		text            string
		expectedVerdict model.Verdict
		expectedScore   int
	}{
		{
			name:            "clean text is approved",
			text:            "Hello there, nice weather today.",
			expectedVerdict: model.VerdictApproved,
			expectedScore:   0,
		},
		{
			name:            "suspicious text is still approved",
			text:            "bitcoin and crypto news!!!!",
			expectedVerdict: model.VerdictApproved,
			expectedScore:   6,
		},
		{
			name:            "likely spam goes to review",
			text:            "BITCOIN AND CRYPTO NEWS",
			expectedVerdict: model.VerdictPending,
			expectedScore:   7,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			p := h.pipeline(t, false)

			dec := p.Evaluate(context.Background(), submission(model.ActionPost, "203.0.113.10", tc.text))
			require.Equal(t, tc.expectedVerdict, dec.Verdict, "reasons: %v", dec.Reasons)
			require.Equal(t, tc.expectedScore, dec.Score)
			require.True(t, dec.Persistable())
			if tc.expectedVerdict == model.VerdictPending {
				require.Equal(t, TypePendingReview, dec.Type)
				require.Equal(t, warnSpamLike, dec.Warning)
				require.Equal(t, model.StatusPending, dec.Status())
			}
			require.Empty(t, h.spamLogs(t), "only rejections are logged as spam")
		})
	}
}

func TestPipeline_ExcessiveURLsCommentIsRejectedAndLogged(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)

	text := "see https://a.example.com https://b.example.com https://c.example.com"
	dec := p.Evaluate(context.Background(), submission(model.ActionComment, "203.0.113.11", text))

	require.Equal(t, model.VerdictRejected, dec.Verdict)
	require.Equal(t, TypeExcessiveURLs, dec.Type)
	require.Equal(t, GateContent, dec.Gate)
	require.Equal(t, 3, dec.FoundURLs)
	require.False(t, dec.Persistable())

	logs := h.spamLogs(t)
	require.Len(t, logs, 1)
	require.Equal(t, "203.0.113.11", logs[0].IPAddress)
	require.Equal(t, string(model.ActionComment), logs[0].EventKind)
	require.False(t, logs[0].Blocked)
	require.True(t, strings.HasPrefix(logs[0].Reason, TypeExcessiveURLs+": "), logs[0].Reason)
	require.Equal(t, heuristics.RawHash(text), logs[0].ContentHash)
	require.Equal(t, chromeUA, logs[0].UserAgent)
	require.Equal(t, "https://freedom13.example/feed", logs[0].Referer)
}

func TestPipeline_FloodEscalatesToBan(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Limits[string(model.ActionPost)] = 2
		c.RateLimit.HardCeiling = 3
	})
	p := h.pipeline(t, false)
	ctx := context.Background()
	ip := "198.51.100.20"

	for i := range 2 {
		dec := p.Evaluate(ctx, submission(model.ActionPost, ip, "hello number "+string(rune('a'+i))))
		require.Equal(t, model.VerdictApproved, dec.Verdict)
		require.NotNil(t, dec.RateLimit)
	}

	dec := p.Evaluate(ctx, submission(model.ActionPost, ip, "third"))
	require.Equal(t, model.VerdictRejected, dec.Verdict)
	require.Equal(t, TypeRateLimit, dec.Type)
	require.Equal(t, 0, dec.RateLimit.Remaining)
	require.Positive(t, dec.RetryAfter)

	dec = p.Evaluate(ctx, submission(model.ActionPost, ip, "fourth"))
	require.Equal(t, model.VerdictBlocked, dec.Verdict)
	require.Equal(t, TypeIPBanned, dec.Type)
	require.Equal(t, GateRate, dec.Gate)
	require.NotNil(t, dec.BannedUntil)
	require.Equal(t, testutils.Epoch.Add(h.cfg.RateLimit.AutoBanDuration), *dec.BannedUntil)
	require.Contains(t, dec.BanReason, "automatic")

	banned, err := h.sql.IsBanned(ctx, ip)
	require.NoError(t, err)
	require.True(t, banned)

	dec = p.Evaluate(ctx, submission(model.ActionComment, ip, "a comment"))
	require.Equal(t, model.VerdictBlocked, dec.Verdict)
	require.Equal(t, GateBan, dec.Gate, "the ban now stops every action")

	logs := h.spamLogs(t)
	require.Len(t, logs, 3)
	var blocked int
	for _, l := range logs {
		if l.Blocked {
			blocked++
		}
	}
	require.Equal(t, 2, blocked)
}

func TestPipeline_MutedActorIsBlocked(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	_, err := h.sql.Mute(ctx, store.MuteRequest{ActorID: "42", Reason: "abuse", Duration: time.Hour})
	require.NoError(t, err)

	sub := submission(model.ActionComment, "192.0.2.1", "hello")
	sub.ActorID = "42"
	dec := p.Evaluate(ctx, sub)
	require.Equal(t, model.VerdictBlocked, dec.Verdict)
	require.Equal(t, TypeUserMuted, dec.Type)
	require.Equal(t, "abuse", dec.BanReason)
}

func TestPipeline_BanLookupFailureHoldsForReview(t *testing.T) {
	h := newHarness(t, nil)
	h.bans.LookupErr = errors.New("database is locked")
	p := h.pipeline(t, false)

	dec := p.Evaluate(context.Background(), submission(model.ActionPost, "203.0.113.30", "Hello there"))
	require.Equal(t, model.VerdictPending, dec.Verdict)
	require.True(t, dec.Degraded)
	require.Equal(t, warnDegraded, dec.Warning)
	require.Equal(t, 1, h.collector.errors[GateBan])
	require.Equal(t, []string{"post/pending/pending_review"}, h.collector.verdicts)
}

type panicGate struct{}

func (panicGate) Name() string { return "panic" }

func (panicGate) Evaluate(context.Context, *Submission, *Evaluation) (GateResult, error) {
	panic("boom")
}

func TestPipeline_PanicHoldsForReview(t *testing.T) {
	h := newHarness(t, nil)
	p := NewPipeline(h.cfg, []Gate{panicGate{}}, nil, h.collector, false, h.clock.Now)

	dec := p.Evaluate(context.Background(), submission(model.ActionPost, "203.0.113.31", "hi"))
	require.NotNil(t, dec)
	require.Equal(t, model.VerdictPending, dec.Verdict)
	require.Contains(t, dec.Reasons, msgInternalErr)
	require.Len(t, h.collector.verdicts, 1)
	require.NoError(t, p.Close())
}

func TestPipeline_DryRunHasNoSideEffects(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Limits[string(model.ActionComment)] = 1
		c.RateLimit.HardCeiling = 1
	})
	p := h.pipeline(t, true)
	ctx := context.Background()
	ip := "198.51.100.40"
	text := "see https://a.example.com https://b.example.com https://c.example.com"

	for range 3 {
		dec := p.Evaluate(ctx, submission(model.ActionComment, ip, text))
		require.NotEqual(t, model.VerdictRejected, dec.Verdict)
		require.NotEqual(t, model.VerdictBlocked, dec.Verdict)
	}

	require.Empty(t, h.spamLogs(t))
	require.Zero(t, h.bans.BanCalls)
	banned, err := h.sql.IsBanned(ctx, ip)
	require.NoError(t, err)
	require.False(t, banned)
}

func TestPipeline_CaptchaChallenge(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	bot := &Submission{Action: model.ActionPost, IP: "192.0.2.50", Text: "hello", Request: botdetect.Metadata{Method: http.MethodPost}}

	dec := p.Evaluate(ctx, bot)
	require.Equal(t, model.VerdictRejected, dec.Verdict)
	require.Equal(t, TypeCaptcha, dec.Type)
	require.True(t, dec.CaptchaRequired)

	ch, err := h.captchas.Issue(ctx)
	require.NoError(t, err)
	bot.CaptchaToken, bot.CaptchaAnswer = ch.Token, "definitely wrong"
	dec = p.Evaluate(ctx, bot)
	require.Equal(t, model.VerdictRejected, dec.Verdict)
	require.True(t, dec.CaptchaRequired)

	logs := h.spamLogs(t)
	require.Len(t, logs, 2)
	kinds := []string{logs[0].EventKind, logs[1].EventKind}
	require.ElementsMatch(t, []string{string(model.ActionPost), model.EventFailedCaptcha}, kinds)

	// A solved challenge lets the request through.
	ch, err = h.captchas.Issue(ctx)
	require.NoError(t, err)
	answer, ok, err := h.mem.Take(ctx, "captcha:"+ch.Token)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.mem.Set(ctx, "captcha:"+ch.Token, answer, time.Minute))

	bot.CaptchaToken, bot.CaptchaAnswer = ch.Token, answer
	dec = p.Evaluate(ctx, bot)
	require.Equal(t, model.VerdictApproved, dec.Verdict, "reasons: %v", dec.Reasons)
}

func TestPipeline_CaptchaSkipsUncheckedActions(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)

	sub := &Submission{Action: model.ActionLogin, IP: "192.0.2.51", Request: botdetect.Metadata{Method: http.MethodPost}}
	dec := p.Evaluate(context.Background(), sub)
	require.Equal(t, model.VerdictApproved, dec.Verdict)
}

func TestPipeline_Cooldown(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	sub := submission(model.ActionPost, "203.0.113.60", "first post")
	sub.ActorID = "7"
	require.NoError(t, ratelimit.NewCooldown(h.mem, &h.cfg.Cooldown).Start(ctx, sub.ActorKey(), sub.Action))

	dec := p.Evaluate(ctx, submission(model.ActionPost, "203.0.113.60", "second post"))
	require.Equal(t, model.VerdictApproved, dec.Verdict, "the cooldown belongs to the account, not the address")

	sub.Text = "second post"
	dec = p.Evaluate(ctx, sub)
	require.Equal(t, model.VerdictRejected, dec.Verdict)
	require.Equal(t, TypeCooldown, dec.Type)
	require.Equal(t, 30*time.Second, dec.RetryAfter)

	h.clock.Advance(31 * time.Second)
	dec = p.Evaluate(ctx, sub)
	require.Equal(t, model.VerdictApproved, dec.Verdict)
}

func TestPipeline_DuplicateContent(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	sub := submission(model.ActionComment, "203.0.113.70", "Nice photo!")
	h.seed(t, sub, time.Minute)

	dup := submission(model.ActionComment, "203.0.113.70", "  nice PHOTO! ")
	dec := p.Evaluate(ctx, dup)
	require.Equal(t, model.VerdictRejected, dec.Verdict)
	require.Equal(t, TypeDuplicate, dec.Type)

	other := submission(model.ActionComment, "203.0.113.71", "Nice photo!")
	dec = p.Evaluate(ctx, other)
	require.Equal(t, model.VerdictApproved, dec.Verdict, "duplicates are tracked per actor")
}

func TestPipeline_ConcurrentIdenticalSubmissionsPassOnce(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	const n = 8
	verdicts := make(chan *Decision, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := submission(model.ActionComment, "203.0.113.72", "Great write-up, thanks")
			sub.ActorID = "72"
			verdicts <- p.Evaluate(ctx, sub)
		}()
	}
	wg.Wait()
	close(verdicts)

	var approved, duplicates int
	for dec := range verdicts {
		switch {
		case dec.Verdict == model.VerdictApproved:
			approved++
		case dec.Type == TypeDuplicate:
			duplicates++
		}
	}
	require.Equal(t, 1, approved, "none of them is stored yet, only one may pass")
	require.Equal(t, n-1, duplicates)

	other := submission(model.ActionComment, "203.0.113.72", "Great write-up, thanks")
	other.ActorID = "73"
	require.Equal(t, model.VerdictApproved, p.Evaluate(ctx, other).Verdict, "claims are per actor")

	h.clock.Advance(h.cfg.Content.DuplicateWindow + time.Second)
	again := submission(model.ActionComment, "203.0.113.72", "Great write-up, thanks")
	again.ActorID = "72"
	require.Equal(t, model.VerdictApproved, p.Evaluate(ctx, again).Verdict, "the claim lapses with the window")
}

func TestPipeline_DryRunDoesNotClaimContent(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, true)
	ctx := context.Background()

	for range 2 {
		dec := p.Evaluate(ctx, submission(model.ActionComment, "203.0.113.73", "Same words twice"))
		require.Equal(t, model.VerdictApproved, dec.Verdict, "reasons: %v", dec.Reasons)
	}
}

func TestPipeline_BehavioralSpam(t *testing.T) {
	testCases := []struct {
		name            string
		action          model.Action
		expectedVerdict model.Verdict
		expectedModAct  string
	}{
		{
			name:            "comment is rejected",
			action:          model.ActionComment,
			expectedVerdict: model.VerdictRejected,
			expectedModAct:  model.ModActionReject,
		},
		{
			name:            "post is held for review",
			action:          model.ActionPost,
			expectedVerdict: model.VerdictPending,
			expectedModAct:  model.ModActionFlag,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			p := h.pipeline(t, false)
			ctx := context.Background()

			past := submission(model.ActionPost, "203.0.113.80", "same old line")
			past.ActorID = "99"
			for i := range 4 {
				h.seed(t, past, time.Duration(10+i)*time.Minute)
			}

			sub := submission(tc.action, "203.0.113.80", "something new entirely")
			sub.ActorID = "99"
			dec := p.Evaluate(ctx, sub)
			require.Equal(t, tc.expectedVerdict, dec.Verdict, "reasons: %v", dec.Reasons)
			if tc.expectedVerdict == model.VerdictPending {
				require.Equal(t, warnBehavior, dec.Warning)
			} else {
				require.Equal(t, TypeBehavioralSpam, dec.Type)
			}

			entries, err := h.sql.ListModerationLogs(ctx, model.TargetUser, "99", 10)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			require.Equal(t, tc.expectedModAct, entries[0].Action)
			require.Equal(t, model.SystemActor, entries[0].Actor)
		})
	}
}

func TestPipeline_RepeatedCommentsAreNotBehavioralSpam(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	past := submission(model.ActionComment, "203.0.113.85", "thanks!")
	past.ActorID = "98"
	for i := range 4 {
		h.seed(t, past, time.Duration(i+1)*time.Hour)
	}

	sub := submission(model.ActionComment, "203.0.113.85", "thanks!")
	sub.ActorID = "98"
	dec := p.Evaluate(ctx, sub)
	require.Equal(t, model.VerdictApproved, dec.Verdict, "reasons: %v", dec.Reasons)
	require.Zero(t, dec.Score)
	require.Empty(t, dec.Reasons)
}

func TestPipeline_CrossPostingIsHeldForReview(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pipeline(t, false)
	ctx := context.Background()

	sub := submission(model.ActionPost, "203.0.113.90", "Join our reading club this weekend")
	h.seed(t, sub, 2*24*time.Hour)
	h.seed(t, sub, 3*24*time.Hour)

	dec := p.Evaluate(ctx, sub)
	require.Equal(t, model.VerdictApproved, dec.Verdict, "two earlier copies are within the limit: %v", dec.Reasons)

	h.clock.Advance(h.cfg.Content.DuplicateWindow + time.Minute)
	h.seed(t, sub, 4*24*time.Hour)
	dec = p.Evaluate(ctx, sub)
	require.Equal(t, model.VerdictPending, dec.Verdict, "reasons: %v", dec.Reasons)
	require.Contains(t, dec.Reasons, "cross_post:count_3,limit_2")
}

func TestPipeline_AutoBanAfterRepeatedRejections(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.AutoBan.Enabled = true
		c.AutoBan.MaxStrikes = 3
	})
	p := h.pipeline(t, false)
	ctx := context.Background()
	ip := "198.51.100.99"
	text := "see https://a.example.com https://b.example.com https://c.example.com"

	for i := range 3 {
		dec := p.Evaluate(ctx, submission(model.ActionComment, ip, text+" "+strings.Repeat("x", i+1)))
		require.Equal(t, model.VerdictRejected, dec.Verdict)
	}

	require.NoError(t, p.Close())
	banned, err := h.sql.IsBanned(ctx, ip)
	require.NoError(t, err)
	require.True(t, banned)
	require.Equal(t, 1, h.bans.BanCalls)
}

func TestAutoBan_IgnoresExcludedGatesAndBlocks(t *testing.T) {
	h := newHarness(t, nil)
	ab := NewAutoBan(h.bans, &config.AutoBanConfig{
		Enabled:      true,
		MaxStrikes:   1,
		StrikeWindow: time.Minute,
		BanDuration:  time.Hour,
		CacheSize:    10,
		ExcludeGates: []string{GateCaptcha},
	}, h.clock.Now)
	ctx := context.Background()
	sub := submission(model.ActionPost, "192.0.2.77", "x")

	ab.HandleRejection(ctx, sub, &Decision{Verdict: model.VerdictRejected, Gate: GateCaptcha})
	ab.HandleRejection(ctx, sub, &Decision{Verdict: model.VerdictBlocked, Gate: GateRate})
	ab.Wait()
	require.Zero(t, h.bans.BanCalls)

	ab.HandleRejection(ctx, sub, &Decision{Verdict: model.VerdictRejected, Gate: GateContent})
	ab.HandleRejection(ctx, sub, &Decision{Verdict: model.VerdictRejected, Gate: GateContent})
	ab.Wait()
	require.Equal(t, 1, h.bans.BanCalls, "an address is banned once per cooldown")
}
