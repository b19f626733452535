// Package guard enforces the write protection around the mapping dataset.
//
// The orchestrator and its agents must never modify the curated dataset
// files or tables directly; every intended write passes through CheckWrite
// first. A blocked attempt produces exactly one audit record, counts toward
// the automatic governance pause, opens a review task, and alerts
// operators.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caresync-health/setu/internal/audit"
	"github.com/caresync-health/setu/internal/govern"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/notify"
)

// defaultProtected covers the dataset files, tables, and model artifacts
// that agents must not touch. Used when no config file is present.
var defaultProtected = []string{
	"namaste.csv",
	"data/namaste.csv",
	"icd11_codes.csv",
	"data/icd11_codes.csv",
	"namaste_mappings_table",
	"ayush_terms",
	"mapping_candidates",
	"mapping_index",
	"data/index.json",
	"mapping_model_weights",
	"data/reranker.json",
}

// BlockedError reports a refused write. Matched is the protected-set entry
// that triggered the block, which may be a substring of Resource.
type BlockedError struct {
	Resource string
	Matched  string
	Actor    string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guard: write to protected resource %q blocked (matched %q, actor %q)", e.Resource, e.Matched, e.Actor)
}

// TaskOpener opens review tasks. Implemented by the storage layer.
type TaskOpener interface {
	OpenReviewTask(ctx context.Context, task model.ReviewTask) (model.ReviewTask, error)
}

// protectedFile is the YAML config format.
type protectedFile struct {
	Protected []string `yaml:"protected"`
}

// LoadProtected reads the protected-resource list from a YAML file. A
// missing file falls back to the built-in defaults with a warning; a
// present but unparseable file is an error, because silently running with
// defaults would weaken the guard without anyone noticing.
func LoadProtected(path string, logger *slog.Logger) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("guard: protected resources file not found, using defaults", "path", path)
		return defaultProtected, nil
	}
	if err != nil {
		return nil, fmt.Errorf("guard: read %s: %w", path, err)
	}

	var pf protectedFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("guard: parse %s: %w", path, err)
	}
	if len(pf.Protected) == 0 {
		return nil, fmt.Errorf("guard: %s lists no protected resources", path)
	}

	logger.Info("guard: loaded protected resources", "path", path, "count", len(pf.Protected))
	return pf.Protected, nil
}

// Guard checks write targets against the protected set and runs the
// blocked-write side effects. Safe for concurrent use.
type Guard struct {
	protected []string
	state     *govern.State
	log       *audit.Log
	tasks     TaskOpener
	sink      notify.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a guard over the given protected set.
func New(protected []string, state *govern.State, log *audit.Log, tasks TaskOpener, sink notify.Sink, logger *slog.Logger) *Guard {
	normalized := make([]string, 0, len(protected))
	for _, p := range protected {
		if n := normalizeResource(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &Guard{
		protected: normalized,
		state:     state,
		log:       log,
		tasks:     tasks,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// normalizeResource folds path separators and case so Windows-style agent
// paths match the canonical protected entries.
func normalizeResource(resource string) string {
	r := strings.ReplaceAll(resource, "\\", "/")
	return strings.ToLower(strings.TrimSpace(r))
}

// match returns the protected entry covering resource, if any. An entry
// matches on equality or when it appears as a path segment suffix or
// substring of the target, so "backup/data/namaste.csv" is still caught.
func (g *Guard) match(resource string) (string, bool) {
	r := normalizeResource(resource)
	if r == "" {
		return "", false
	}
	for _, p := range g.protected {
		if r == p || strings.Contains(r, p) {
			return p, true
		}
	}
	return "", false
}

// Protected reports whether a write to resource would be blocked, without
// any side effects. Used by status endpoints.
func (g *Guard) Protected(resource string) bool {
	_, ok := g.match(resource)
	return ok
}

// CheckWrite returns nil when the write may proceed. When the target is
// protected it returns a *BlockedError after recording the attempt: one
// audit record, one blocked-write count (which may trip the automatic
// pause), one review task, and operator notifications. Side-effect
// failures other than the audit append are logged and swallowed; the block
// itself always stands.
func (g *Guard) CheckWrite(ctx context.Context, resource, actor string) error {
	matched, ok := g.match(resource)
	if !ok {
		return nil
	}

	blockErr := &BlockedError{Resource: resource, Matched: matched, Actor: actor}
	g.logger.Warn("guard: blocked write", "resource", resource, "matched", matched, "actor", actor)

	g.log.Append(model.AuditRecord{
		Action:         "write_attempt",
		Actor:          actor,
		Status:         model.AuditBlocked,
		ResourceTarget: resource,
		AttemptedWrite: true,
		ErrorMessage:   blockErr.Error(),
	})

	tripped := g.state.RecordBlockedWrite(g.now())

	if _, err := g.tasks.OpenReviewTask(ctx, model.ReviewTask{
		SubjectID: resource,
		Reason:    model.ReasonBlockedWrite,
		Priority:  model.PriorityHigh,
		Payload: map[string]any{
			"resource": resource,
			"matched":  matched,
			"actor":    actor,
		},
	}); err != nil {
		g.logger.Error("guard: open review task failed", "resource", resource, "error", err)
	}

	if err := g.sink.Notify(ctx, notify.Event{
		Severity: notify.SeverityWarning,
		Title:    "write to protected resource blocked",
		Detail:   fmt.Sprintf("actor %q attempted to write %q", actor, resource),
	}); err != nil {
		g.logger.Error("guard: notify failed", "error", err)
	}

	if tripped {
		if err := g.sink.Notify(ctx, notify.Event{
			Severity: notify.SeverityCritical,
			Title:    "governance auto-paused",
			Detail:   fmt.Sprintf("%d blocked writes within %s", govern.PauseThreshold, govern.Window),
		}); err != nil {
			g.logger.Error("guard: notify failed", "error", err)
		}
	}

	return blockErr
}
