package domain

import (
	"context"
	"time"
)

// OrderingKey returns the event ordering key for a command stamped with ts at
// position batchIndex of its batch. Commands of one batch share ts, so the
// index keeps keys unique within a session.
func OrderingKey(ts time.Time, batchIndex int) int64 {
	return ts.UnixNano() + int64(batchIndex)
}

// CipherInfo describes how the encrypted fields of a record were sealed.
type CipherInfo struct {
	Algorithm string `json:"algorithm"`
}

// WrappedKey is a session data key in its KMS-encrypted form.
type WrappedKey struct {
	Ciphertext []byte
	Algorithm  string
	KeyID      string
}

// EventRecord is one encrypted command in the append-only event log.
type EventRecord struct {
	SessionID string
	Key       int64 // ordering key, unique per session
	Command   []byte
	Cipher    CipherInfo
	CreatedAt time.Time
}

// SnapshotRecord is the latest encrypted engine state of a session.
type SnapshotRecord struct {
	SessionID       string
	Key             int64 // ordering key of the command the snapshot covers
	AccountID       string
	KnowledgeBaseID string
	Codec           string
	State           []byte
	Properties      []byte
	FactCount       map[string]int64
	ProcessCount    int
	DataKey         WrappedKey
	Cipher          CipherInfo
	CreatedAt       time.Time
}

// EventRepository is the durable event table.
type EventRepository interface {
	// PutEvents writes records in one batch and returns those the backend
	// did not accept.
	PutEvents(ctx context.Context, records []*EventRecord) (unprocessed []*EventRecord, err error)
	// ListAfter returns up to limit events of a session with key > after,
	// ordered by key.
	ListAfter(ctx context.Context, sessionID string, after int64, limit int) ([]*EventRecord, error)
}

// SnapshotRepository is the durable session snapshot table.
type SnapshotRepository interface {
	PutSnapshots(ctx context.Context, records []*SnapshotRecord) (unprocessed []*SnapshotRecord, err error)
	// Latest returns the most recent snapshot of a session with a strongly
	// consistent read, or ErrNotFound.
	Latest(ctx context.Context, sessionID string) (*SnapshotRecord, error)
}
