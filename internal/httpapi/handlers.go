package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freedom13/abuseguard/internal/botdetect"
	"github.com/freedom13/abuseguard/internal/captcha"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/policy"
	"github.com/freedom13/abuseguard/internal/ratelimit"
)

type submitRequest struct {
	Text          string `json:"text"`
	CaptchaToken  string `json:"captcha_token"`
	CaptchaAnswer string `json:"captcha_answer"`
}

type acceptedResponse struct {
	ID               int64        `json:"id,omitempty"`
	Verdict          string       `json:"verdict"`
	ModerationStatus model.Status `json:"moderation_status,omitempty"`
	Warning          string       `json:"warning,omitempty"`
	Score            int          `json:"score"`
}

type blockedResponse struct {
	Error       string     `json:"error"`
	Type        string     `json:"type"`
	Reason      string     `json:"reason"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
}

type throttledResponse struct {
	Error            string `json:"error"`
	Type             string `json:"type"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

type rejectedResponse struct {
	Error           string             `json:"error"`
	Type            string             `json:"type"`
	Reasons         []string           `json:"reasons"`
	FoundURLs       int                `json:"found_urls,omitempty"`
	CaptchaRequired bool               `json:"captcha_required,omitempty"`
	Captcha         *captcha.Challenge `json:"captcha,omitempty"`
}

func (s *Server) submission(r *http.Request, action model.Action, req submitRequest) *policy.Submission {
	return &policy.Submission{
		Action:        action,
		IP:            clientIP(r, s.opts.TrustProxyHeaders),
		ActorID:       strings.TrimSpace(r.Header.Get("X-Actor-ID")),
		Text:          req.Text,
		Request:       botdetect.MetadataFromRequest(r),
		CaptchaToken:  req.CaptchaToken,
		CaptchaAnswer: req.CaptchaAnswer,
	}
}

func (s *Server) handleContent(action model.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "text must not be empty")
			return
		}

		engine, release := s.acquire()
		defer release()
		sub := s.submission(r, action, req)
		dec := engine.Pipeline.Evaluate(r.Context(), sub)
		if !s.writeStopped(w, r, engine, dec) {
			return
		}

		id, err := engine.Router.Route(r.Context(), sub, dec)
		if err != nil {
			slog.Error("Failed to store submission", "action", action, "remote_ip", sub.IP, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to store submission")
			return
		}
		writeJSON(w, http.StatusCreated, acceptedResponse{
			ID:               id,
			Verdict:          string(dec.Verdict),
			ModerationStatus: dec.Status(),
			Warning:          dec.Warning,
			Score:            dec.Score,
		})
	}
}

// handleGuard evaluates actions that carry no content, such as login.
func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	action, err := model.ParseAction(chi.URLParam(r, "action"))
	if err != nil || action.HasContent() {
		writeError(w, http.StatusNotFound, "unknown_action", "unknown guarded action")
		return
	}

	var req submitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
			return
		}
	}
	req.Text = ""

	engine, release := s.acquire()
	defer release()
	dec := engine.Pipeline.Evaluate(r.Context(), s.submission(r, action, req))
	if !s.writeStopped(w, r, engine, dec) {
		return
	}
	writeJSON(w, http.StatusOK, acceptedResponse{Verdict: string(dec.Verdict), Warning: dec.Warning, Score: dec.Score})
}

func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	ch, err := s.current().Captchas.Issue(r.Context())
	if err != nil {
		slog.Error("Failed to issue captcha", "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "could not issue a challenge")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// writeStopped writes the response for rejected and blocked decisions and
// reports whether the caller should go on.
func (s *Server) writeStopped(w http.ResponseWriter, r *http.Request, engine *Engine, dec *policy.Decision) bool {
	setRateLimitHeaders(w, dec.RateLimit)

	message := strings.Join(dec.Reasons, "; ")
	switch dec.Verdict {
	case model.VerdictBlocked:
		msg := "your address is banned"
		if dec.Type == policy.TypeUserMuted {
			msg = "your account is muted"
		}
		writeJSON(w, http.StatusForbidden, blockedResponse{
			Error:       msg,
			Type:        dec.Type,
			Reason:      dec.BanReason,
			BannedUntil: dec.BannedUntil,
		})
		return false

	case model.VerdictRejected:
		if dec.Type == policy.TypeRateLimit || dec.Type == policy.TypeCooldown {
			seconds := ratelimit.Seconds(dec.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, throttledResponse{
				Error:            message,
				Type:             dec.Type,
				SecondsRemaining: seconds,
			})
			return false
		}

		resp := rejectedResponse{
			Error:           message,
			Type:            dec.Type,
			Reasons:         dec.Reasons,
			FoundURLs:       dec.FoundURLs,
			CaptchaRequired: dec.CaptchaRequired,
		}
		if dec.CaptchaRequired && engine.Captchas != nil {
			ch, err := engine.Captchas.Issue(r.Context())
			if err != nil {
				slog.Error("Failed to issue captcha", "error", err)
			} else {
				resp.Captcha = ch
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	if res == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}
