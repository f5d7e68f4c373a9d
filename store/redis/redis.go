// Package redis provides a Redis-backed implementation of the idempotency
// store contract, using Lua scripts to keep the check-or-lock and commit
// operations atomic in a single round trip.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/R3E-Network/idempotency/idempotency"
)

const (
	statusProcessing = "processing"
	statusCommitted  = "committed"

	// defaultAuditListCap bounds how many audit events RecordAudit retains
	// per key namespace before older entries are trimmed.
	defaultAuditListCap = 1000
)

// record is the JSON payload stored at a key, mirroring the two-state
// model the engine drives.
type record struct {
	Status      string    `json:"status"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Result      []byte    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// checkAndLockScript installs a processing record if the key is absent and
// otherwise returns the raw stored value. It runs as a single EVAL so the
// absent-then-install step is atomic against concurrent callers. Branching
// on the stored status, and overwriting an unparseable or unrecognized
// record, happen afterwards in AtomicCheckAndLock, outside the script.
var checkAndLockScript = goredis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return {"acquired", ""}
end
return {"maybe", existing}
`)

// commitScript replaces a processing record with a committed one, but only
// if the record is still exactly the processing sentinel this caller
// installed; it returns 0 if the lock was lost (expired, already
// committed, or overwritten).
var commitScript = goredis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing == false then
	return 0
end
local ok, decoded = pcall(cjson.decode, existing)
if not ok or decoded.status ~= "processing" then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// releaseScript deletes a key only if it still holds a processing record,
// so a release can never clobber a commit that raced it.
var releaseScript = goredis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing == false then
	return 0
end
local ok, decoded = pcall(cjson.decode, existing)
if not ok or decoded.status ~= "processing" then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// Config controls the Store's key and list naming.
type Config struct {
	// KeyPrefix namespaces every record key beyond whatever prefix the
	// engine itself applies. Defaults to empty.
	KeyPrefix string

	// AuditListCap bounds the length of each per-key audit list RecordAudit
	// appends to. Defaults to 1000.
	AuditListCap int64
}

// Store implements idempotency.Store, idempotency.LockReleaser and
// idempotency.AuditRecorder against a Redis backend.
type Store struct {
	client goredis.UniversalClient
	cfg    Config
}

// New constructs a Store against an already-configured go-redis client.
// Close on the returned Store closes that client.
func New(client goredis.UniversalClient, cfg Config) *Store {
	if cfg.AuditListCap <= 0 {
		cfg.AuditListCap = defaultAuditListCap
	}
	return &Store{client: client, cfg: cfg}
}

func (s *Store) recordKey(key string) string {
	return s.cfg.KeyPrefix + key
}

func (s *Store) auditKey(key string) string {
	return s.cfg.KeyPrefix + "audit:" + key
}

// AtomicCheckAndLock implements idempotency.Store.
func (s *Store) AtomicCheckAndLock(ctx context.Context, key, fingerprint string, lockTTL time.Duration) (idempotency.CheckResult, error) {
	processing := record{Status: statusProcessing, CreatedAt: time.Now().UTC()}
	payload, err := json.Marshal(processing)
	if err != nil {
		return idempotency.CheckResult{}, err
	}

	raw, err := checkAndLockScript.Run(ctx, s.client, []string{s.recordKey(key)}, string(payload), lockTTL.Milliseconds()).Result()
	if err != nil {
		return idempotency.CheckResult{}, err
	}

	pair, ok := raw.([]interface{})
	if !ok || len(pair) != 2 {
		return idempotency.CheckResult{}, errors.New("redis: unexpected checkAndLock script reply shape")
	}

	tag, _ := pair[0].(string)
	if tag == "acquired" {
		return idempotency.CheckResult{Outcome: idempotency.OutcomeAcquired}, nil
	}

	existingJSON, _ := pair[1].(string)
	rec, err := decodeRecord(existingJSON)
	if err != nil {
		// Corrupt record: the store could not make sense of it, so treat it
		// as absent by forcing an overwrite, per the store contract's
		// defensive requirement. The overwrite still carries lockTTL so a
		// forced acquisition can't outlive a normal lock.
		return s.forceAcquire(ctx, key, payload, lockTTL)
	}

	switch rec.Status {
	case statusProcessing:
		return idempotency.CheckResult{Outcome: idempotency.OutcomeLocked}, nil
	case statusCommitted:
		return idempotency.CheckResult{
			Outcome:     idempotency.OutcomeExists,
			Fingerprint: rec.Fingerprint,
			Result:      rec.Result,
			CreatedAt:   rec.CreatedAt,
		}, nil
	default:
		return s.forceAcquire(ctx, key, payload, lockTTL)
	}
}

func (s *Store) forceAcquire(ctx context.Context, key string, payload []byte, lockTTL time.Duration) (idempotency.CheckResult, error) {
	if err := s.client.Set(ctx, s.recordKey(key), payload, lockTTL).Err(); err != nil {
		return idempotency.CheckResult{}, err
	}
	return idempotency.CheckResult{Outcome: idempotency.OutcomeAcquired}, nil
}

func decodeRecord(raw string) (record, error) {
	var rec record
	if raw == "" {
		return rec, errors.New("redis: empty record")
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

var errCommitLost = errors.New("redis: no processing record to commit, lock expired or already committed")

// CommitResult implements idempotency.Store.
func (s *Store) CommitResult(ctx context.Context, key, fingerprint string, result []byte, retention time.Duration) error {
	committed := record{
		Status:      statusCommitted,
		Fingerprint: fingerprint,
		Result:      result,
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(committed)
	if err != nil {
		return err
	}

	applied, err := commitScript.Run(ctx, s.client, []string{s.recordKey(key)}, string(payload), retention.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if applied == 0 {
		return errCommitLost
	}
	return nil
}

// ReleaseLock implements idempotency.LockReleaser.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{s.recordKey(key)}).Int()
	return err
}

// RecordAudit implements idempotency.AuditRecorder, appending to a
// per-key-namespace capped list via RPUSH+LTRIM.
func (s *Store) RecordAudit(ctx context.Context, event idempotency.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	listKey := s.auditKey(event.Key)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, listKey, payload)
	pipe.LTrim(ctx, listKey, -s.cfg.AuditListCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// AuditLog returns the retained audit events for key, oldest first.
func (s *Store) AuditLog(ctx context.Context, key string) ([]idempotency.Event, error) {
	raw, err := s.client.LRange(ctx, s.auditKey(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]idempotency.Event, 0, len(raw))
	for _, item := range raw {
		var event idempotency.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Close implements idempotency.Closer, closing the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
