package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/model"
)

const (
	warnSpamLike   = "held for review: content resembles spam"
	warnBehavior   = "held for review: unusual posting activity"
	warnDegraded   = "held for review: automated checks were unavailable"
	msgInternalErr = "internal error while evaluating submission"
)

type Pipeline struct {
	gates             []Gate
	rejectionHandlers []RejectionHandler
	rejectionLevels   map[string]config.LogLevel
	collector         MetricsCollector
	flagThreshold     int
	dryRun            bool
	now               func() time.Time
	wg                sync.WaitGroup
}

func NewPipeline(
	cfg *config.Config,
	gates []Gate,
	handlers []RejectionHandler,
	collector MetricsCollector,
	dryRun bool,
	now func() time.Time,
) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		gates:             gates,
		rejectionHandlers: handlers,
		rejectionLevels:   cfg.Log.RejectionLevels,
		collector:         collector,
		flagThreshold:     cfg.Pipeline.FlagThreshold,
		dryRun:            dryRun,
		now:               now,
	}
}

// GateNames lists the gates in evaluation order.
func (p *Pipeline) GateNames() []string {
	names := make([]string, 0, len(p.gates))
	for _, g := range p.gates {
		names = append(names, g.Name())
	}
	return names
}

// Acquire marks the pipeline as in use until release is called. Close waits
// for every hold. A hold must be taken before Close can start, which is why
// callers that look the pipeline up concurrently with a swap take it under
// the same lock that guards the swap.
func (p *Pipeline) Acquire() (release func()) {
	p.wg.Add(1)
	return p.wg.Done
}

// Evaluate runs the gates in order. It never returns nil: internal failures
// and panics end in a pending decision.
func (p *Pipeline) Evaluate(ctx context.Context, sub *Submission) (dec *Decision) {
	p.wg.Add(1)
	defer p.wg.Done()

	ev := &Evaluation{Now: p.now(), DryRun: p.dryRun}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic recovered in gate pipeline",
				"panic", r, "action", sub.Action, "remote_ip", sub.IP, "actor", sub.ActorID, "stack", string(debug.Stack()),
			)
			ev.Degraded = true
			dec = p.route(ev)
			dec.Reasons = append(dec.Reasons, msgInternalErr)
		}
		if p.collector != nil {
			p.collector.ReportVerdict(string(sub.Action), string(dec.Verdict), dec.Type)
		}
	}()

	for _, gate := range p.gates {
		res, err := gate.Evaluate(ctx, sub, ev)
		if err != nil {
			slog.Error("Gate evaluation failed, continuing degraded",
				"gate", gate.Name(), "action", sub.Action, "remote_ip", sub.IP, "actor", sub.ActorID, "error", err)
			ev.Degraded = true
			if p.collector != nil {
				p.collector.ReportGateError(gate.Name())
			}
			continue
		}

		if p.collector != nil {
			p.collector.ReportGate(res.Gate, string(res.Outcome), res.Duration)
		}
		if res.Outcome == OutcomeContinue {
			continue
		}

		logAttrs := []slog.Attr{
			slog.String("gate", res.Gate),
			slog.String("outcome", string(res.Outcome)),
			slog.String("type", res.Type),
			slog.String("action", string(sub.Action)),
			slog.String("remote_ip", sub.IP),
			slog.String("actor", sub.ActorID),
			slog.String("reason", res.Reason),
		}
		logLevel := slog.LevelWarn
		if level, ok := p.rejectionLevels[res.Gate]; ok {
			logLevel = level.ToSlogLevel()
		}
		slog.LogAttrs(ctx, logLevel, "Submission stopped by gate", logAttrs...)

		if p.dryRun {
			slog.LogAttrs(ctx, slog.LevelInfo, "Dry-run: submission would be stopped", logAttrs...)
			continue
		}

		dec = p.terminal(ev, res)
		for _, handler := range p.rejectionHandlers {
			handler.HandleRejection(ctx, sub, dec)
		}
		return dec
	}

	dec = p.route(ev)
	slog.Debug("Submission passed all gates",
		"action", sub.Action, "remote_ip", sub.IP, "verdict", dec.Verdict, "score", dec.Score)
	return dec
}

func (p *Pipeline) terminal(ev *Evaluation, res GateResult) *Decision {
	verdict := model.VerdictRejected
	if res.Outcome == OutcomeBlock {
		verdict = model.VerdictBlocked
	}
	dec := &Decision{
		Verdict:         verdict,
		Type:            res.Type,
		Gate:            res.Gate,
		Score:           ev.Text.Score + ev.Behavior.Score,
		Reasons:         []string{res.Reason},
		RetryAfter:      res.RetryAfter,
		BannedUntil:     res.BannedUntil,
		FoundURLs:       res.FoundURLs,
		CaptchaRequired: res.CaptchaRequired,
		EventKind:       res.EventKind,
		RateLimit:       ev.RateLimit,
		Degraded:        ev.Degraded,
	}
	if verdict == model.VerdictBlocked {
		dec.BanReason = res.Reason
	}
	return dec
}

// route is the final step for submissions no gate stopped.
func (p *Pipeline) route(ev *Evaluation) *Decision {
	combined := ev.Text.Score + ev.Behavior.Score
	dec := &Decision{
		Verdict:   model.VerdictApproved,
		Score:     combined,
		Reasons:   slices.Concat(ev.Text.Reasons, ev.Behavior.Reasons),
		RateLimit: ev.RateLimit,
		Degraded:  ev.Degraded,
	}

	switch {
	case ev.Degraded:
		dec.Warning = warnDegraded
	case ev.ForcePending:
		dec.Warning = warnBehavior
	case combined >= p.flagThreshold:
		dec.Warning = warnSpamLike
	default:
		return dec
	}
	dec.Verdict = model.VerdictPending
	dec.Type = TypePendingReview
	return dec
}

// Close waits for held and running evaluations, then for rejection handlers,
// and closes the gates. No new evaluation may start once Close is called.
func (p *Pipeline) Close() error {
	p.wg.Wait()

	for _, handler := range p.rejectionHandlers {
		if w, ok := handler.(interface{ Wait() }); ok {
			w.Wait()
		}
	}

	var errs []error
	for _, gate := range p.gates {
		if closer, ok := gate.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				slog.Error("Failed to close a gate", "gate", gate.Name(), "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", gate.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
