// Package mapping is the orchestrating service behind the resolve API: it
// gates resolution on governance state, audits every suggestion, and
// escalates weak results to the review queue.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caresync-health/setu/internal/audit"
	"github.com/caresync-health/setu/internal/govern"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/notify"
	"github.com/caresync-health/setu/internal/resolve"
)

// ErrGovernancePaused is returned when suggestions are refused because
// governance is paused.
var ErrGovernancePaused = errors.New("mapping: governance is paused")

// LowConfidenceThreshold is the best-candidate confidence below which a
// suggestion is escalated to human review.
const LowConfidenceThreshold = 0.7

// TaskOpener opens review tasks. Implemented by the storage layer.
type TaskOpener interface {
	OpenReviewTask(ctx context.Context, task model.ReviewTask) (model.ReviewTask, error)
}

// Service wires the resolver to governance, audit, review, and alerting.
type Service struct {
	resolver *resolve.Resolver
	state    *govern.State
	log      *audit.Log
	tasks    TaskOpener
	sink     notify.Sink
	logger   *slog.Logger
}

// New creates the mapping service. sink may be nil, in which case pause
// alerts only reach the structured log.
func New(resolver *resolve.Resolver, state *govern.State, log *audit.Log, tasks TaskOpener, sink notify.Sink, logger *slog.Logger) *Service {
	return &Service{
		resolver: resolver,
		state:    state,
		log:      log,
		tasks:    tasks,
		sink:     sink,
		logger:   logger,
	}
}

// Suggest resolves a term. Refused with ErrGovernancePaused while paused;
// manual mode still serves so clinicians can keep working with downstream
// confirmation. Every attempt is audited, and outcomes whose best
// confidence falls below the threshold (or that are empty) open a
// low-confidence review task.
func (s *Service) Suggest(ctx context.Context, req resolve.Request, actor string) (model.Outcome, error) {
	if s.state.Mode() == model.ModePaused {
		s.log.Append(model.AuditRecord{
			Action:       "mapping_suggested",
			Actor:        actor,
			Status:       model.AuditFailed,
			SubjectID:    req.Term,
			ErrorMessage: ErrGovernancePaused.Error(),
		})
		return model.Outcome{}, ErrGovernancePaused
	}

	outcome := s.resolver.Resolve(ctx, req)

	summary := map[string]any{
		"tier":    string(outcome.Tier),
		"results": len(outcome.Results),
	}
	best, ok := outcome.Best()
	if ok {
		summary["best_code"] = best.TargetCode
		summary["best_confidence"] = best.Confidence
	}
	s.log.Append(model.AuditRecord{
		Action:         "mapping_suggested",
		Actor:          actor,
		Status:         model.AuditSuccess,
		SubjectID:      req.Term,
		PayloadSummary: summary,
	})

	if !ok || best.Confidence < LowConfidenceThreshold {
		s.escalate(ctx, req.Term, outcome)
	}

	return outcome, nil
}

// escalate opens a low-confidence review task. Failure to open the task is
// logged and swallowed; the suggestion already happened.
func (s *Service) escalate(ctx context.Context, term string, outcome model.Outcome) {
	payload := map[string]any{
		"term": term,
		"tier": string(outcome.Tier),
	}
	if best, ok := outcome.Best(); ok {
		payload["best_code"] = best.TargetCode
		payload["best_confidence"] = best.Confidence
	}

	if _, err := s.tasks.OpenReviewTask(ctx, model.ReviewTask{
		SubjectID: term,
		Reason:    model.ReasonLowConfidence,
		Priority:  model.PriorityNormal,
		Payload:   payload,
	}); err != nil {
		s.logger.Error("mapping: open low-confidence review task failed", "term", term, "error", err)
	}
}

// Pause suspends suggestions, audited under the acting identity. Operators
// are alerted through the notification sink, same as an automatic pause.
func (s *Service) Pause(ctx context.Context, actor, reason string) {
	_ = audit.WithAudit(ctx, s.log, "governance_paused", actor,
		map[string]any{"reason": reason}, func(context.Context) error {
			s.state.Pause(reason)
			return nil
		})
	s.notify(ctx, notify.Event{
		Severity: notify.SeverityWarning,
		Title:    "governance paused",
		Detail:   fmt.Sprintf("paused by %s: %s", actor, reason),
	})
}

// Resume returns to active mode.
func (s *Service) Resume(ctx context.Context, actor string) {
	_ = audit.WithAudit(ctx, s.log, "governance_resumed", actor, nil, func(context.Context) error {
		s.state.Resume()
		return nil
	})
}

// SetManual switches to manual-review mode.
func (s *Service) SetManual(ctx context.Context, actor string) {
	_ = audit.WithAudit(ctx, s.log, "governance_manual", actor, nil, func(context.Context) error {
		s.state.SetManual()
		return nil
	})
}

// ResetBlockedWrites clears the blocked-write counter.
func (s *Service) ResetBlockedWrites(ctx context.Context, actor string) {
	_ = audit.WithAudit(ctx, s.log, "blocked_writes_reset", actor, nil, func(context.Context) error {
		s.state.ResetBlockedWrites()
		return nil
	})
}

// notify delivers an alert; delivery failure is logged and swallowed so a
// flaky webhook cannot fail a governance call.
func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Notify(ctx, ev); err != nil {
		s.logger.Error("mapping: notification failed", "title", ev.Title, "error", err)
	}
}

// Status reports the governance snapshot.
func (s *Service) Status() model.GovernanceSnapshot {
	return s.state.Snapshot()
}
