// Package audit implements the Audit entity from spec.md §4.9: durable
// audit logging with dead-letter fallback and replay, adapting the
// teacher's audit Writer onto the internal/collab.Database collaborator
// instead of raw pgx/sqlc calls, so the durability and DLQ semantics
// spec.md §4.9 requires are exercised against a collaborator interface a
// caller can fake in tests. Each Log call writes synchronously; entries
// are not buffered or batched.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/platform/internal/collab"
	"github.com/wisbric/platform/internal/reqctx"
)

// Delta is the stable {old,new} shape stored when both before/after are
// supplied.
type Delta struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// LogInput is the caller-supplied shape for Log, mirroring spec.md §4.9's
// `log(operation, {before?, after?, subjectId?, details?, silent?})`.
type LogInput struct {
	Before    any
	After     any
	SubjectID string
	Details   any
	Silent    bool
}

// Writer is the Audit entity: it persists entries through the Database
// collaborator's AuditStore, falling back to a dead letter when
// persistence fails, per the §4.9 failure-routing rules.
type Writer struct {
	db     collab.Database
	logger *slog.Logger
}

// New constructs a Writer over db.
func New(db collab.Database, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{db: db, logger: logger}
}

// splitOperation splits a dotted "X.Y" operation name into
// (targetType=X, operation=Y); a bare name falls back to
// targetType="security", operation=name, per §4.9.
func splitOperation(operation string) (targetType, op string) {
	if idx := strings.Index(operation, "."); idx >= 0 {
		return operation[:idx], operation[idx+1:]
	}
	return "security", operation
}

// Log persists one audit entry, applying §4.9's failure-routing rules on
// persistence error: targetType=="security" always goes to the dead
// letter; silent=true non-security entries are dropped; everything else
// is dead-lettered.
func (w *Writer) Log(ctx context.Context, operation string, in LogInput) {
	targetType, op := splitOperation(operation)
	rc := reqctx.Current(ctx)

	var delta []byte
	if in.Before != nil || in.After != nil {
		raw, err := json.Marshal(Delta{Old: in.Before, New: in.After})
		if err == nil {
			delta = raw
		}
	}

	rec := collab.AuditRecord{
		ID:           uuid.New(),
		AppID:        rc.TenantID,
		Operation:    op,
		TargetType:   targetType,
		TargetID:     in.SubjectID,
		Delta:        delta,
		ContextIP:    rc.IPAddress,
		ContextAgent: rc.UserAgent,
		RequestID:    rc.RequestID,
		Silent:       in.Silent,
		CreatedAt:    time.Now(),
	}
	if rc.Session != nil {
		rec.UserID = rc.Session.UserID
	}

	if err := w.db.Audit().InsertAudit(ctx, rec); err != nil {
		w.routeFailure(ctx, rec, targetType, op, in.Silent, err)
	}
}

func (w *Writer) routeFailure(ctx context.Context, rec collab.AuditRecord, targetType, op string, silent bool, cause error) {
	if targetType != "security" && silent {
		w.logger.Debug("dropping silent audit entry after persistence failure", "operation", op, "error", cause)
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		w.logger.Error("marshaling audit entry for dead letter", "operation", op, "error", err)
		return
	}

	dlq := collab.DeadLetterRecord{
		ID:          uuid.New(),
		Type:        "audit." + op,
		Payload:     payload,
		ErrorReason: cause.Error(),
		CreatedAt:   time.Now(),
	}
	if err := w.db.Audit().InsertDeadLetter(ctx, dlq); err != nil {
		w.logger.Error("audit entry lost: both primary write and dead letter failed",
			"operation", op, "error", err)
	}
}

// ReplayResult is the outcome of a dead-letter replay pass, per §4.9.
type ReplayResult struct {
	Replayed int
	Failed   int
	Skipped  bool
}

// ReplayDeadLetters takes up to limit pending audit dead letters of the
// given type, re-persists every one whose payload decodes successfully,
// and marks it replayed. Invalid payloads count as failed and are marked
// as well, so they leave the pending queue; an entry whose re-insert
// fails stays pending. An empty queue yields {0, 0, skipped:true}.
func (w *Writer) ReplayDeadLetters(ctx context.Context, dlqType string, limit int) (ReplayResult, error) {
	pending, err := w.db.Audit().PendingDeadLetters(ctx, dlqType, limit)
	if err != nil {
		return ReplayResult{}, err
	}
	if len(pending) == 0 {
		return ReplayResult{Skipped: true}, nil
	}

	var result ReplayResult
	for _, entry := range pending {
		var rec collab.AuditRecord
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			result.Failed++
			if err := w.db.Audit().MarkReplayed(ctx, entry.ID, time.Now()); err != nil {
				w.logger.Warn("failed to mark undecodable dead letter", "id", entry.ID, "error", err)
			}
			continue
		}
		if err := w.db.Audit().InsertAudit(ctx, rec); err != nil {
			result.Failed++
			continue
		}
		if err := w.db.Audit().MarkReplayed(ctx, entry.ID, time.Now()); err != nil {
			w.logger.Warn("replayed audit entry but failed to mark dead letter", "id", entry.ID, "error", err)
		}
		result.Replayed++
	}
	return result, nil
}
