// Package storetest is a shared contract test suite that exercises any
// idempotency.Store implementation identically, so every adapter
// (memory, redis, postgres) is held to the same behavioral guarantees.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/idempotency/idempotency"
)

// Factory builds a fresh, empty Store for a single subtest. Implementations
// should return a Store whose keys don't collide with any other instance
// returned by Factory, and may register a t.Cleanup to tear it down.
type Factory func(t *testing.T) idempotency.Store

// Run exercises the Store contract described in spec.md §4.4 against every
// Store Factory produces. Call it from each adapter package's own test,
// e.g.:
//
//	func TestStoreContract(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) idempotency.Store {
//	        return memory.New(memory.Config{CleanupInterval: -1})
//	    })
//	}
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("FirstCheckAcquires", func(t *testing.T) { testFirstCheckAcquires(t, factory) })
	t.Run("SecondCheckLocked", func(t *testing.T) { testSecondCheckLocked(t, factory) })
	t.Run("CommitThenExists", func(t *testing.T) { testCommitThenExists(t, factory) })
	t.Run("CommitWithoutLockFails", func(t *testing.T) { testCommitWithoutLockFails(t, factory) })
	t.Run("DistinctKeysAreIndependent", func(t *testing.T) { testDistinctKeysAreIndependent(t, factory) })
	t.Run("LockExpiryReclaimsKey", func(t *testing.T) { testLockExpiryReclaimsKey(t, factory) })

	t.Run("LockReleaser", func(t *testing.T) {
		testOptionalLockReleaser(t, factory)
	})
	t.Run("AuditRecorder", func(t *testing.T) {
		testOptionalAuditRecorder(t, factory)
	})
}

func testFirstCheckAcquires(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome = %v, want acquired", result.Outcome)
	}
}

func testSecondCheckLocked(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	if _, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second); err != nil {
		t.Fatalf("first AtomicCheckAndLock() error = %v", err)
	}
	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if err != nil {
		t.Fatalf("second AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeLocked {
		t.Errorf("Outcome = %v, want locked", result.Outcome)
	}
}

func testCommitThenExists(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	if _, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second); err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if err := store.CommitResult(ctx, "k1", "fp1", []byte("result"), 24*time.Hour); err != nil {
		t.Fatalf("CommitResult() error = %v", err)
	}

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeExists {
		t.Fatalf("Outcome = %v, want exists", result.Outcome)
	}
	if result.Fingerprint != "fp1" || string(result.Result) != "result" {
		t.Errorf("unexpected committed record: %+v", result)
	}
}

func testCommitWithoutLockFails(t *testing.T, factory Factory) {
	store := factory(t)
	err := store.CommitResult(context.Background(), "never-locked", "fp1", []byte("x"), 24*time.Hour)
	if err == nil {
		t.Error("CommitResult() error = nil, want error for a key with no processing record")
	}
}

func testDistinctKeysAreIndependent(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	if _, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second); err != nil {
		t.Fatalf("AtomicCheckAndLock(k1) error = %v", err)
	}
	result, err := store.AtomicCheckAndLock(ctx, "k2", "fp2", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock(k2) error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome for independent key = %v, want acquired", result.Outcome)
	}
}

func testLockExpiryReclaimsKey(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	if _, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", 10*time.Millisecond); err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp2", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome after TTL expiry = %v, want acquired", result.Outcome)
	}
}

func testOptionalLockReleaser(t *testing.T, factory Factory) {
	store := factory(t)
	releaser, ok := store.(idempotency.LockReleaser)
	if !ok {
		t.Skip("store does not implement LockReleaser")
	}
	ctx := context.Background()

	if _, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second); err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if err := releaser.ReleaseLock(ctx, "k1"); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp2", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome after release = %v, want acquired", result.Outcome)
	}

	if err := store.CommitResult(ctx, "k1", "fp2", []byte("result"), 24*time.Hour); err != nil {
		t.Fatalf("CommitResult() error = %v", err)
	}
	if err := releaser.ReleaseLock(ctx, "k1"); err != nil {
		t.Fatalf("ReleaseLock() on committed key error = %v", err)
	}
	result, err = store.AtomicCheckAndLock(ctx, "k1", "fp2", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeExists {
		t.Errorf("ReleaseLock removed a committed record, Outcome = %v", result.Outcome)
	}
}

func testOptionalAuditRecorder(t *testing.T, factory Factory) {
	store := factory(t)
	recorder, ok := store.(idempotency.AuditRecorder)
	if !ok {
		t.Skip("store does not implement AuditRecorder")
	}

	err := recorder.RecordAudit(context.Background(), idempotency.Event{
		Key:    "k1",
		Action: idempotency.ActionHit,
	})
	if err != nil {
		t.Fatalf("RecordAudit() error = %v", err)
	}
}
