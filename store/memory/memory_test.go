package memory

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/idempotency/idempotency"
)

func TestAtomicCheckAndLockFirstAcquires(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()

	result, err := s.AtomicCheckAndLock(context.Background(), "k1", "fp1", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome = %v, want acquired", result.Outcome)
	}
}

func TestAtomicCheckAndLockSecondLocked(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()
	ctx := context.Background()

	if _, err := s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second); err != nil {
		t.Fatalf("first AtomicCheckAndLock() error = %v", err)
	}

	result, err := s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if err != nil {
		t.Fatalf("second AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeLocked {
		t.Errorf("Outcome = %v, want locked", result.Outcome)
	}
}

func TestCommitThenExists(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()
	ctx := context.Background()

	if _, err := s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second); err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if err := s.CommitResult(ctx, "k1", "fp1", []byte("result"), time.Hour); err != nil {
		t.Fatalf("CommitResult() error = %v", err)
	}

	result, err := s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
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

func TestCommitWithoutLockFails(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()

	err := s.CommitResult(context.Background(), "nope", "fp1", []byte("x"), time.Hour)
	if err == nil {
		t.Error("CommitResult() error = nil, want error for missing lock")
	}
}

func TestReleaseLockDoesNotRemoveCommitted(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()
	ctx := context.Background()

	s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	s.CommitResult(ctx, "k1", "fp1", []byte("result"), time.Hour)

	if err := s.ReleaseLock(ctx, "k1"); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}

	result, _ := s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if result.Outcome != idempotency.OutcomeExists {
		t.Errorf("committed record removed by ReleaseLock, Outcome = %v", result.Outcome)
	}
}

func TestReleaseLockRemovesProcessing(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()
	ctx := context.Background()

	s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if err := s.ReleaseLock(ctx, "k1"); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}

	result, _ := s.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome after release = %v, want acquired", result.Outcome)
	}
}

func TestLockExpiryReclaimsKey(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()
	ctx := context.Background()

	s.AtomicCheckAndLock(ctx, "k1", "fp1", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	result, err := s.AtomicCheckAndLock(ctx, "k1", "fp2", time.Second)
	if err != nil {
		t.Fatalf("AtomicCheckAndLock() error = %v", err)
	}
	if result.Outcome != idempotency.OutcomeAcquired {
		t.Errorf("Outcome after TTL expiry = %v, want acquired", result.Outcome)
	}
}

func TestRecordAuditAndAuditLog(t *testing.T) {
	s := New(Config{CleanupInterval: -1})
	defer s.Close()

	event := idempotency.Event{Key: "k1", Action: idempotency.ActionHit}
	if err := s.RecordAudit(context.Background(), event); err != nil {
		t.Fatalf("RecordAudit() error = %v", err)
	}

	log := s.AuditLog()
	if len(log) != 1 || log[0].Key != "k1" {
		t.Errorf("AuditLog() = %+v, want one event for k1", log)
	}
}
