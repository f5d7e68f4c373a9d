package idempotency

import (
	"context"
	"strings"
	"time"
)

// Action tags one of the nine audit event kinds emitted across a key's
// lifecycle, per spec.md §3.
type Action string

const (
	ActionHit                 Action = "hit"
	ActionMiss                Action = "miss"
	ActionAcquired            Action = "acquired"
	ActionLocked              Action = "locked"
	ActionFingerprintMismatch Action = "fingerprint_mismatch"
	ActionStored              Action = "stored"
	ActionError               Action = "error"
	ActionTimeout             Action = "timeout"
	ActionLockReleased        Action = "lock_released"
)

// Event is the immutable audit record emitted by the engine for every
// state transition of a key, per spec.md §3. Metadata is always the
// redacted view; callers never see unredacted fields.
type Event struct {
	Timestamp         time.Time              `json:"timestamp"`
	Key               string                 `json:"key"`
	Action            Action                 `json:"action"`
	Fingerprint       string                 `json:"fingerprint,omitempty"`
	StoredFingerprint string                 `json:"storedFingerprint,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// AuditSink receives every audit event the engine emits. Implementations
// must be safe for concurrent use and must never panic; the engine treats
// a sink failure as unrecoverable but non-fatal (see dispatchAudit and
// safeEmit below) and swallows it rather than surfacing it to the caller.
type AuditSink func(ctx context.Context, event Event)

// redactedFieldSubstrings are the case-insensitive substrings that mark a
// metadata key as sensitive, per spec.md §4.3. Matching is substring, not
// whole-word, deliberately: it is a documented limitation (spec.md §9)
// that it cannot catch sensitive data filed under an innocuous key.
var redactedFieldSubstrings = []string{
	"password",
	"token",
	"secret",
	"card",
	"cvv",
	"pin",
	"ssn",
	"fullname",
	"full_name",
	"email",
	"phone",
}

const redactedPlaceholder = "***REDACTED***"

// redactMetadata returns a copy of metadata with any key matching a
// sensitive-field substring replaced by a placeholder. The input is never
// mutated.
func redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(metadata) == 0 {
		return nil
	}

	redacted := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if isSensitiveField(k) {
			redacted[k] = redactedPlaceholder
			continue
		}
		redacted[k] = v
	}
	return redacted
}

func isSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, substr := range redactedFieldSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// dispatchAudit builds, redacts, and emits one audit event. It is the
// private step described in spec.md §4.3: it never returns an error and
// never panics on behalf of a failing sink.
func (e *Engine) dispatchAudit(ctx context.Context, sink AuditSink, key string, action Action, fingerprint, storedFingerprint string, metadata map[string]interface{}) {
	event := Event{
		Timestamp:         time.Now().UTC(),
		Key:               key,
		Action:            action,
		Fingerprint:       fingerprint,
		StoredFingerprint: storedFingerprint,
		Metadata:          redactMetadata(metadata),
	}

	e.safeEmit(ctx, sink, event)

	if recorder, ok := e.store.(AuditRecorder); ok {
		e.safeRecord(ctx, recorder, event)
	}

	e.logAudit(ctx, event)
}

// safeEmit invokes sink, recovering any panic so a misbehaving audit
// callback never takes down the caller's business logic.
func (e *Engine) safeEmit(ctx context.Context, sink AuditSink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithContext(ctx).WithField("panic", r).Warn("idempotency: audit sink panicked, swallowing")
		}
	}()
	if sink != nil {
		sink(ctx, event)
	}
}

// safeRecord invokes the store's optional audit persistence, swallowing
// any error or panic per spec.md §4.3 step 5.
func (e *Engine) safeRecord(ctx context.Context, recorder AuditRecorder, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithContext(ctx).WithField("panic", r).Warn("idempotency: store audit recorder panicked, swallowing")
		}
	}()
	if err := recorder.RecordAudit(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("idempotency: store audit recorder failed, swallowing")
	}
}

func (e *Engine) logAudit(ctx context.Context, event Event) {
	if e.logger == nil {
		return
	}
	entry := e.logger.WithContext(ctx).WithField("key", event.Key).WithField("action", event.Action)
	switch event.Action {
	case ActionLocked, ActionFingerprintMismatch, ActionTimeout, ActionError:
		entry.Warn("idempotency audit event")
	default:
		entry.Debug("idempotency audit event")
	}
}
