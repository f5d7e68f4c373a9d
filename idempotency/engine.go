// Package idempotency implements the engine and store contract described in
// spec.md: given a client-supplied key and payload fingerprint, it
// guarantees a wrapped operation executes at-most-once across retries.
package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	idemerrors "github.com/R3E-Network/idempotency/pkg/errors"
	"github.com/R3E-Network/idempotency/pkg/logging"
	"github.com/R3E-Network/idempotency/pkg/metrics"
	"github.com/R3E-Network/idempotency/pkg/version"
)

// Bounds from spec.md §3 invariant 3-4 and §6.
const (
	MinLockTTL        = 50 * time.Millisecond
	MaxLockTTL        = 300_000 * time.Millisecond
	MinHandlerTimeout = 50 * time.Millisecond
	MaxHandlerTimeout = 300_000 * time.Millisecond
	MinRetention      = 86_400_000 * time.Millisecond // 24h, PCI-DSS floor

	DefaultHandlerTimeout = 30 * time.Second
	DefaultFingerprintAlg = "sha256"
)

// Handler is the caller-supplied operation the engine executes at-most-once
// per (key, fingerprint) pair. result is an opaque payload the store
// persists as-is.
type Handler func(ctx context.Context) (result []byte, err error)

// Config holds the immutable construction parameters of an Engine, per
// spec.md §3 "Engine Configuration" and §6.
type Config struct {
	// LockTTL bounds how long a processing record survives without a
	// commit or release. Must be in [MinLockTTL, MaxLockTTL].
	LockTTL time.Duration

	// Retention is how long a committed record remains queryable.
	// Must be >= MinRetention (24h).
	Retention time.Duration

	// OnAudit is the engine-level audit sink. Required; construction
	// fails if nil.
	OnAudit AuditSink

	// FingerprintAlgorithm names the hash used if a caller needs the
	// engine to compute a fingerprint on their behalf via
	// Engine.Fingerprint. Defaults to "sha256".
	FingerprintAlgorithm string

	// KeyPrefix is prepended to every caller-supplied key to namespace
	// keys sharing a store. Defaults to empty.
	KeyPrefix string

	// Logger is optional; if nil, a default logger writing JSON at info
	// level to stdout is used.
	Logger *logging.Logger

	// Metrics is optional; nil-safe.
	Metrics *metrics.Recorder
}

// Options holds the per-call overrides described in spec.md §4.1 and §6.
type Options struct {
	// OnAudit replaces the engine-level sink for this call only.
	OnAudit AuditSink

	// HandlerTimeout replaces DefaultHandlerTimeout for this call. Must be
	// in [MinHandlerTimeout, MaxHandlerTimeout] when non-zero.
	HandlerTimeout time.Duration

	// RetentionOverride replaces the engine's Retention for this call's
	// commit. Must be >= MinRetention when non-zero.
	RetentionOverride time.Duration

	// Metadata is merged into every audit event emitted by this call,
	// after redaction.
	Metadata map[string]interface{}
}

// Engine drives the key lifecycle state machine described in spec.md §4.1:
// validate, namespace, atomic probe, handler-under-timeout, commit, audit.
type Engine struct {
	store  Store
	config Config
	logger *logging.Logger
}

// NewEngine validates cfg and constructs an Engine bound to store.
// Construction fails synchronously with the corresponding
// *errors.IdempotencyError on any invariant violation (spec.md §3
// invariants 3-5).
func NewEngine(store Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, idemerrors.StoreErr("construct", errors.New("store must not be nil"))
	}
	if cfg.OnAudit == nil {
		return nil, idemerrors.MissingAuditSink()
	}
	if cfg.LockTTL < MinLockTTL || cfg.LockTTL > MaxLockTTL {
		return nil, idemerrors.InvalidBound("lockTtl", cfg.LockTTL.Milliseconds(), MinLockTTL.Milliseconds(), MaxLockTTL.Milliseconds())
	}
	if cfg.Retention < MinRetention {
		return nil, idemerrors.InvalidRetention("retention", cfg.Retention.Milliseconds(), MinRetention.Milliseconds())
	}
	if cfg.FingerprintAlgorithm == "" {
		cfg.FingerprintAlgorithm = DefaultFingerprintAlg
	}
	if !SupportsHash(cfg.FingerprintAlgorithm) {
		return nil, idemerrors.New(idemerrors.CodeInvalidRetention, "unknown fingerprint algorithm", http.StatusBadRequest).
			WithDetails("algorithm", cfg.FingerprintAlgorithm)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("idempotency", "info", "json")
	}
	logger.WithContext(context.Background()).WithField("version", version.Version).Info("idempotency engine constructed")

	return &Engine{store: store, config: cfg, logger: logger}, nil
}

// Fingerprint computes a fingerprint of payload using the engine's
// configured algorithm; a convenience for callers that don't want to
// import the fingerprint helper directly.
func (e *Engine) Fingerprint(payload interface{}) (string, error) {
	return Fingerprint(payload, e.config.FingerprintAlgorithm)
}

// Execute is the engine's only behavioral entry point, implementing
// spec.md §4.1 steps 1-7 in order. It returns the handler's result on
// success (either fresh or memoized). On failure it returns an
// *errors.IdempotencyError identifying one of the six failure subkinds,
// except that an error returned by the handler itself is propagated
// unchanged.
func (e *Engine) Execute(ctx context.Context, key, fingerprint string, handler Handler, opts Options) ([]byte, error) {
	start := time.Now()
	doneInFlight := e.config.Metrics.TrackInFlight()
	defer doneInFlight()

	outcome := "error"
	defer func() {
		e.config.Metrics.Observe(outcome, time.Since(start))
	}()

	sink := e.config.OnAudit
	if opts.OnAudit != nil {
		sink = opts.OnAudit
	}

	// Step 1: validate.
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		outcome = "invalid_key"
		return nil, idemerrors.InvalidKey("key must not be empty or whitespace-only")
	}

	handlerTimeout := DefaultHandlerTimeout
	if opts.HandlerTimeout != 0 {
		if opts.HandlerTimeout < MinHandlerTimeout || opts.HandlerTimeout > MaxHandlerTimeout {
			outcome = "invalid_option"
			return nil, idemerrors.InvalidBound("handlerTimeout", opts.HandlerTimeout.Milliseconds(), MinHandlerTimeout.Milliseconds(), MaxHandlerTimeout.Milliseconds())
		}
		handlerTimeout = opts.HandlerTimeout
	}

	retention := e.config.Retention
	if opts.RetentionOverride != 0 {
		if opts.RetentionOverride < MinRetention {
			outcome = "invalid_option"
			return nil, idemerrors.InvalidRetention("retentionOverride", opts.RetentionOverride.Milliseconds(), MinRetention.Milliseconds())
		}
		retention = opts.RetentionOverride
	}

	// Step 2: namespace.
	fullKey := e.config.KeyPrefix + trimmed

	// Step 3: atomic probe.
	check, err := e.store.AtomicCheckAndLock(ctx, fullKey, fingerprint, e.config.LockTTL)
	if err != nil {
		storeErr := idemerrors.StoreErr("atomicCheckAndLock", err)
		e.dispatchAudit(ctx, sink, fullKey, ActionError, fingerprint, "", withErrorCode(opts.Metadata, storeErr.Code))
		outcome = "store_error"
		return nil, storeErr
	}

	switch check.Outcome {
	case OutcomeExists:
		if check.Fingerprint == fingerprint {
			e.dispatchAudit(ctx, sink, fullKey, ActionHit, fingerprint, check.Fingerprint, opts.Metadata)
			outcome = "hit"
			return check.Result, nil
		}
		e.dispatchAudit(ctx, sink, fullKey, ActionFingerprintMismatch, fingerprint, check.Fingerprint, opts.Metadata)
		outcome = "fingerprint_mismatch"
		return nil, idemerrors.FingerprintMismatch(check.Fingerprint, fingerprint)

	case OutcomeLocked:
		e.dispatchAudit(ctx, sink, fullKey, ActionLocked, fingerprint, "", opts.Metadata)
		outcome = "locked"
		return nil, idemerrors.OperationInProgress(fullKey)

	case OutcomeAcquired:
		e.dispatchAudit(ctx, sink, fullKey, ActionAcquired, fingerprint, "", opts.Metadata)
	}

	// Step 4-7: run handler under timeout, commit, audit, release.
	result, runErr := e.runAndCommit(ctx, sink, fullKey, fingerprint, handler, handlerTimeout, retention, opts.Metadata)
	if runErr != nil {
		outcome = runOutcome(runErr)
		return nil, runErr
	}
	outcome = "stored"
	return result, nil
}

func runOutcome(err error) string {
	idemErr := idemerrors.GetIdempotencyError(err)
	if idemErr == nil {
		return "handler_error"
	}
	switch idemErr.Code {
	case idemerrors.CodeHandlerTimeout:
		return "timeout"
	case idemerrors.CodeStoreError:
		return "store_error"
	default:
		return "handler_error"
	}
}

// runAndCommit implements spec.md §4.1 steps 4-7 after a lock has been
// acquired: race the handler against a timer, commit on success, audit the
// outcome, and always attempt a best-effort lock release.
func (e *Engine) runAndCommit(ctx context.Context, sink AuditSink, fullKey, fingerprint string, handler Handler, handlerTimeout, retention time.Duration, metadata map[string]interface{}) ([]byte, error) {
	defer e.releaseLock(ctx, sink, fullKey, fingerprint, metadata)

	result, err := e.runHandler(ctx, handler, handlerTimeout)
	if err != nil {
		return nil, e.auditFailure(ctx, sink, fullKey, fingerprint, err, metadata)
	}

	if commitErr := e.store.CommitResult(ctx, fullKey, fingerprint, result, retention); commitErr != nil {
		storeErr := idemerrors.StoreErr("commitResult", commitErr)
		return nil, e.auditFailure(ctx, sink, fullKey, fingerprint, storeErr, metadata)
	}

	e.dispatchAudit(ctx, sink, fullKey, ActionStored, fingerprint, "", metadata)
	return result, nil
}

// runHandler races handler against a timer of handlerTimeout, per spec.md
// §4.1 step 4. If the timer fires first, the handler's eventual result is
// discarded (spec.md §5): this goroutine keeps running until handler
// returns, but nothing waits on it past the timeout.
func (e *Engine) runHandler(ctx context.Context, handler Handler, handlerTimeout time.Duration) ([]byte, error) {
	type outcome struct {
		result []byte
		err    error
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: idemerrors.Wrap(idemerrors.CodeStoreError, "handler panicked", 500, panicError{r})}
			}
		}()
		result, err := handler(ctx)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(handlerTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, idemerrors.HandlerTimeout(handlerTimeout)
	}
}

type panicError struct{ value interface{} }

func (p panicError) Error() string { return "panic recovered" }

// auditFailure emits the error/timeout audit event for a failed or timed
// out handler/commit, then returns err unchanged for propagation to the
// caller (spec.md §4.1 step 6: the original error is always propagated).
func (e *Engine) auditFailure(ctx context.Context, sink AuditSink, fullKey, fingerprint string, err error, metadata map[string]interface{}) error {
	idemErr := idemerrors.GetIdempotencyError(err)
	action := ActionError
	code := idemerrors.CodeStoreError
	if idemErr != nil {
		code = idemErr.Code
		if idemErr.Code == idemerrors.CodeHandlerTimeout {
			action = ActionTimeout
		}
	}
	e.dispatchAudit(ctx, sink, fullKey, action, fingerprint, "", withErrorCode(metadata, code))
	return err
}

// releaseLock implements spec.md §4.1 step 7: best-effort lock release in
// every exit path after acquired, with the release failure swallowed.
func (e *Engine) releaseLock(ctx context.Context, sink AuditSink, fullKey, fingerprint string, metadata map[string]interface{}) {
	if releaser, ok := e.store.(LockReleaser); ok {
		if err := releaser.ReleaseLock(ctx, fullKey); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("key", fullKey).Debug("idempotency: release lock failed, relying on TTL")
		}
	}
	e.dispatchAudit(ctx, sink, fullKey, ActionLockReleased, fingerprint, "", metadata)
}

// withErrorCode returns a copy of metadata with an error-code tag appended,
// per spec.md §4.1 step 6.
func withErrorCode(metadata map[string]interface{}, code idemerrors.Code) map[string]interface{} {
	merged := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["error_code"] = string(code)
	return merged
}
