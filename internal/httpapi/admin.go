package httpapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/moderation"
	"github.com/freedom13/abuseguard/internal/store"
)

type reviewRequest struct {
	Reason string `json:"reason"`
}

type banRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
	// Duration is a Go duration string; empty means permanent.
	Duration  string `json:"duration"`
	Voluntary bool   `json:"voluntary"`
}

type muteRequest struct {
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("duration must be a non-negative Go duration such as 1h30m")
	}
	return d, nil
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return false
	}
	return true
}

func (s *Server) audit(r *http.Request, kind, target, action, reason string, details map[string]any) {
	err := s.opts.Admin.AppendModerationLog(r.Context(), &model.ModerationLogEntry{
		Actor:      adminName(r),
		TargetKind: kind,
		TargetID:   target,
		Action:     action,
		Reason:     reason,
		Details:    details,
	})
	if err != nil {
		slog.Error("Failed to write moderation log", "target", target, "action", action, "error", err)
	}
}

func (s *Server) handleListModeration(w http.ResponseWriter, r *http.Request) {
	status := model.StatusPending
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := model.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		status = st
	}

	items, err := s.current().Router.List(r.Context(), status, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		slog.Error("Failed to list submissions", "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list submissions")
		return
	}
	if items == nil {
		items = []model.Submission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "items": items})
}

func (s *Server) handleReview(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
			return
		}
		var req reviewRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		router := s.current().Router
		review := router.Reject
		if approve {
			review = router.Approve
		}
		sub, err := review(r.Context(), id, adminName(r), req.Reason)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "submission not found")
		case errors.Is(err, moderation.ErrAlreadyReviewed):
			writeError(w, http.StatusConflict, "already_reviewed", "submission was already reviewed")
		case err != nil:
			slog.Error("Failed to review submission", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to review submission")
		default:
			writeJSON(w, http.StatusOK, sub)
		}
	}
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	bans, err := s.opts.Admin.ListBans(r.Context(), activeOnly, queryInt(r, "limit", 100))
	if err != nil {
		slog.Error("Failed to list bans", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list bans")
		return
	}
	if bans == nil {
		bans = []model.BanRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bans": bans})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}
	if net.ParseIP(req.IP) == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "ip must be a valid IP address")
		return
	}
	d, err := parseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ban, err := s.opts.Bans.Ban(r.Context(), store.BanRequest{IP: req.IP, Reason: req.Reason, Duration: d, Voluntary: req.Voluntary})
	if err != nil {
		slog.Error("Failed to ban address", "remote_ip", req.IP, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to ban address")
		return
	}
	s.audit(r, model.TargetIP, req.IP, model.ModActionBan, req.Reason, map[string]any{"duration": req.Duration, "voluntary": req.Voluntary})
	writeJSON(w, http.StatusCreated, ban)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := s.opts.Bans.Unban(r.Context(), ip); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no ban for this address")
			return
		}
		slog.Error("Failed to unban address", "remote_ip", ip, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to unban address")
		return
	}
	s.audit(r, model.TargetIP, ip, model.ModActionUnban, "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	var req muteRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	d, err := parseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	mute, err := s.opts.Bans.Mute(r.Context(), store.MuteRequest{ActorID: actor, Reason: req.Reason, Duration: d})
	if err != nil {
		slog.Error("Failed to mute account", "actor", actor, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to mute account")
		return
	}
	s.audit(r, model.TargetUser, actor, model.ModActionMute, req.Reason, map[string]any{"duration": req.Duration})
	writeJSON(w, http.StatusCreated, mute)
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	actor := chi.URLParam(r, "actor")
	if err := s.opts.Bans.Unmute(r.Context(), actor); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no mute for this account")
			return
		}
		slog.Error("Failed to unmute account", "actor", actor, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to unmute account")
		return
	}
	s.audit(r, model.TargetUser, actor, model.ModActionUnmute, "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSpamLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.opts.Admin.ListSpamLogs(r.Context(), store.SpamLogFilter{
		IPAddress: r.URL.Query().Get("ip"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		slog.Error("Failed to list spam logs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list spam logs")
		return
	}
	if logs == nil {
		logs = []model.SpamLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": logs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.opts.Admin.CountSubmissionsByStatus(r.Context())
	if err != nil {
		slog.Error("Failed to count submissions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load stats")
		return
	}
	bans, err := s.opts.Admin.ListBans(r.Context(), true, 500)
	if err != nil {
		slog.Error("Failed to list bans", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load stats")
		return
	}

	submissions := make(map[string]int64, 3)
	for _, st := range []model.Status{model.StatusApproved, model.StatusPending, model.StatusRejected} {
		submissions[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submissions": submissions,
		"active_bans": len(bans),
		"gates":       s.current().Pipeline.GateNames(),
	})
}
