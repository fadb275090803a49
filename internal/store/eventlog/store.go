// Package eventlog is the durable session store: an append-only log of
// encrypted commands plus the latest encrypted snapshot of every session,
// each sealed under a per-session data key issued by the KMS.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/engine"
	"github.com/gosuda/salient/internal/observe"
	"github.com/gosuda/salient/internal/secrets"
	"github.com/gosuda/salient/internal/session"
)

//nolint:gochecknoglobals // sentinel errors
var (
	ErrClosed    = errors.New("eventlog: store is shut down")
	ErrNoDataKey = errors.New("eventlog: session has no data key")
	// ErrAccountMismatch is returned when a command addresses a session
	// owned by another account.
	ErrAccountMismatch = fmt.Errorf("eventlog: account mismatch: %w", domain.ErrUnauthorized)
)

// Sealed field names, bound into each ciphertext's additional data.
const (
	fieldCommand    = "command"
	fieldState      = "state"
	fieldProperties = "properties"
)

// Config tunes a Store. Zero values select the defaults.
type Config struct {
	// PageSize is the number of events read per query on rehydration.
	PageSize int
	// BatchSize caps the records of one repository write.
	BatchSize int
	// FlushRate paces flush cycles, in cycles per second.
	FlushRate  float64
	FlushBurst int
	// DrainTimeout bounds the final flush on Shutdown.
	DrainTimeout time.Duration
	Now          func() time.Time
	Metrics      *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.FlushRate <= 0 {
		c.FlushRate = 20
	}
	if c.FlushBurst <= 0 {
		c.FlushBurst = 1
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Store implements session.Store. Put only queues; a background worker
// writes queued records in batches.
type Store struct {
	events    domain.EventRepository
	snapshots domain.SnapshotRepository
	kms       secrets.KMS
	kbs       session.KnowledgeBases
	cfg       Config
	metrics   *observe.Metrics
	limiter   *rate.Limiter

	mu      sync.Mutex
	queue   []*domain.EventRecord
	latest  map[string]*domain.SnapshotRecord
	closed  bool
	flushMu sync.Mutex

	wake chan struct{}
	done chan struct{}
	// stop ends the worker loop; cancel aborts in-flight writes.
	stop   context.Context
	halt   context.CancelFunc
	ctx    context.Context
	cancel context.CancelFunc
}

var _ session.Store = (*Store)(nil)

// New starts a store and its flush worker.
func New(events domain.EventRepository, snapshots domain.SnapshotRepository, kms secrets.KMS, kbs session.KnowledgeBases, cfg Config) *Store {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	stop, halt := context.WithCancel(ctx)
	st := &Store{
		events:    events,
		snapshots: snapshots,
		kms:       kms,
		kbs:       kbs,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		limiter:   rate.NewLimiter(rate.Limit(cfg.FlushRate), cfg.FlushBurst),
		latest:    make(map[string]*domain.SnapshotRecord),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stop:      stop,
		halt:      halt,
		ctx:       ctx,
		cancel:    cancel,
	}
	go st.run()
	return st
}

// Put seals cmd into an event record and, when the session's snapshot
// policy asks for it, a snapshot of s taken right after cmd.
func (st *Store) Put(_ context.Context, s *session.Session, cmd *domain.Command, batchIndex int) error {
	key, wrapped := s.DataKey()
	if key == nil {
		return fmt.Errorf("eventlog.Store.Put(%s): %w", s.ID(), ErrNoDataKey)
	}
	vault, err := secrets.NewVault(key)
	if err != nil {
		return fmt.Errorf("eventlog.Store.Put(%s): %w", s.ID(), err)
	}

	plain, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("eventlog.Store.Put(%s): %w", s.ID(), err)
	}
	sealed, err := vault.Seal(plain, secrets.FieldAAD(s.ID(), fieldCommand))
	if err != nil {
		return fmt.Errorf("eventlog.Store.Put(%s): %w", s.ID(), err)
	}

	now := st.cfg.Now().UTC()
	orderingKey := domain.OrderingKey(cmd.Timestamp, batchIndex)
	event := &domain.EventRecord{
		SessionID: s.ID(),
		Key:       orderingKey,
		Command:   sealed,
		Cipher:    domain.CipherInfo{Algorithm: secrets.Algorithm},
		CreatedAt: now,
	}

	var snap *domain.SnapshotRecord
	if s.ShouldSnapshot(cmd, now) {
		snap, err = st.snapshot(s, vault, wrapped, orderingKey, now)
		if err != nil {
			return fmt.Errorf("eventlog.Store.Put(%s): %w", s.ID(), err)
		}
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ErrClosed
	}
	st.queue = append(st.queue, event)
	if snap != nil {
		st.latest[snap.SessionID] = snap
	}
	st.mu.Unlock()

	st.signal()
	return nil
}

func (st *Store) snapshot(s *session.Session, vault *secrets.Vault, wrapped domain.WrappedKey, key int64, now time.Time) (*domain.SnapshotRecord, error) {
	blob, err := s.SnapshotBlob()
	if err != nil {
		return nil, err
	}
	state, err := vault.Seal(blob, secrets.FieldAAD(s.ID(), fieldState))
	if err != nil {
		return nil, err
	}

	props, err := json.Marshal(s.Properties())
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	sealedProps, err := vault.Seal(props, secrets.FieldAAD(s.ID(), fieldProperties))
	if err != nil {
		return nil, err
	}

	rec := &domain.SnapshotRecord{
		SessionID:    s.ID(),
		Key:          key,
		AccountID:    s.AccountID(),
		Codec:        string(engine.CodecBinary),
		State:        state,
		Properties:   sealedProps,
		FactCount:    s.FactCount(),
		ProcessCount: s.ProcessCount(),
		DataKey:      wrapped,
		Cipher:       domain.CipherInfo{Algorithm: secrets.Algorithm},
		CreatedAt:    now,
	}
	if kb := s.KnowledgeBase(); kb != nil {
		rec.KnowledgeBaseID = kb.ID
	}
	log.Debug().Str("session_id", s.ID()).Int64("key", key).Msg("snapshot queued")
	return rec, nil
}

// Get rehydrates the session cmd addresses from its latest snapshot and the
// events after it, or creates it with a new data key when it has no
// snapshot.
func (st *Store) Get(ctx context.Context, rt session.Runtime, cmd *domain.Command, props domain.Properties) (*session.Session, error) {
	rec, err := st.snapshots.Latest(ctx, cmd.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		s, err := st.create(ctx, rt, cmd, props)
		if err != nil {
			st.metrics.RecordSessionLoad(ctx, "error")
			return nil, fmt.Errorf("eventlog.Store.Get(%s): %w", cmd.SessionID, err)
		}
		st.metrics.RecordSessionLoad(ctx, "fresh")
		return s, nil
	}
	if err != nil {
		st.metrics.RecordSessionLoad(ctx, "error")
		return nil, fmt.Errorf("eventlog.Store.Get(%s): latest snapshot: %w", cmd.SessionID, err)
	}

	s, err := st.rehydrate(ctx, rt, cmd, rec)
	if err != nil {
		st.metrics.RecordSessionLoad(ctx, "error")
		return nil, fmt.Errorf("eventlog.Store.Get(%s): %w", cmd.SessionID, err)
	}
	st.metrics.RecordSessionLoad(ctx, "rehydrated")
	return s, nil
}

func (st *Store) create(ctx context.Context, rt session.Runtime, cmd *domain.Command, props domain.Properties) (*session.Session, error) {
	if cmd.KnowledgeBaseID == "" {
		return nil, session.ErrNoKnowledgeBase
	}
	kb, err := st.kbs.Get(ctx, cmd.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}

	dk, err := st.kms.GenerateDataKey(ctx, secrets.SessionContext(cmd.AccountID, cmd.SessionID))
	if err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	s := session.New(cmd.SessionID, cmd.AccountID, rt)
	s.SetDataKey(dk.Plaintext, domain.WrappedKey{
		Ciphertext: dk.Ciphertext,
		Algorithm:  dk.Algorithm,
		KeyID:      dk.KeyID,
	})
	if err := s.Init(kb, props, cmd.Timestamp, nil); err != nil {
		return nil, err
	}

	log.Info().Str("session_id", cmd.SessionID).Str("account_id", cmd.AccountID).Str("kb_id", kb.ID).Msg("session created")
	return s, nil
}

func (st *Store) rehydrate(ctx context.Context, rt session.Runtime, cmd *domain.Command, rec *domain.SnapshotRecord) (*session.Session, error) {
	if rec.AccountID != cmd.AccountID {
		return nil, ErrAccountMismatch
	}
	sid := rec.SessionID

	key, err := st.kms.Decrypt(ctx, rec.DataKey.Ciphertext, secrets.SessionContext(cmd.AccountID, sid))
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	vault, err := secrets.NewVault(key)
	if err != nil {
		return nil, err
	}

	state, err := vault.Open(rec.State, secrets.FieldAAD(sid, fieldState))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	var props domain.Properties
	if len(rec.Properties) > 0 {
		raw, err := vault.Open(rec.Properties, secrets.FieldAAD(sid, fieldProperties))
		if err != nil {
			return nil, fmt.Errorf("open properties: %w", err)
		}
		if err := json.Unmarshal(raw, &props); err != nil {
			return nil, fmt.Errorf("decode properties: %w", err)
		}
	}

	kb, err := st.kbs.Get(ctx, rec.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}

	s := session.New(sid, cmd.AccountID, rt)
	s.SetDataKey(key, rec.DataKey)
	snap := &session.Snapshot{Codec: engine.Codec(rec.Codec), State: state}
	// The restored engine already holds the clock of the command that took
	// the snapshot. The key cannot stand in for it: it carries the batch index.
	if err := s.Init(kb, props, time.Time{}, snap); err != nil {
		return nil, err
	}

	cmds, err := st.readEvents(ctx, vault, sid, rec.Key)
	if err != nil {
		s.Dispose()
		return nil, err
	}
	if err := replay(s, cmds); err != nil {
		s.Dispose()
		return nil, err
	}

	st.metrics.RecordReplay(ctx, len(cmds))
	log.Info().Str("session_id", sid).Str("kb_id", kb.ID).Int("count", len(cmds)).Msg("session rehydrated")
	return s, nil
}

// readEvents decrypts every event of a session after the given key.
func (st *Store) readEvents(ctx context.Context, vault *secrets.Vault, sessionID string, after int64) ([]*domain.Command, error) {
	aad := secrets.FieldAAD(sessionID, fieldCommand)

	var cmds []*domain.Command
	for {
		page, err := st.events.ListAfter(ctx, sessionID, after, st.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, rec := range page {
			plain, err := vault.Open(rec.Command, aad)
			if err != nil {
				return nil, fmt.Errorf("open event %d: %w", rec.Key, err)
			}
			cmd, err := domain.DecodeCommand(plain)
			if err != nil {
				return nil, fmt.Errorf("decode event %d: %w", rec.Key, err)
			}
			cmds = append(cmds, cmd)
			after = rec.Key
		}
		if len(page) < st.cfg.PageSize {
			return cmds, nil
		}
	}
}

// replay re-applies logged commands. Task ids resolved anywhere in the log
// are marked completed first so their starts are not executed again.
func replay(s *session.Session, cmds []*domain.Command) error {
	var resolved []int64
	for _, c := range cmds {
		if c.Kind.IsTask() {
			resolved = append(resolved, c.TaskID)
		}
	}

	s.SeedCompleted(resolved)
	defer s.ClearCompleted()

	for _, c := range cmds {
		if err := s.Accept(c); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	return nil
}

func (st *Store) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (st *Store) run() {
	defer close(st.done)
	for {
		select {
		case <-st.wake:
			if err := st.limiter.Wait(st.stop); err != nil {
				continue
			}
			st.Flush(st.ctx)
		case <-st.stop.Done():
			st.Flush(st.ctx)
			return
		}
	}
}

// Flush writes everything queued so far. Records the backend rejects are
// logged and counted, not retried.
func (st *Store) Flush(ctx context.Context) {
	st.flushMu.Lock()
	defer st.flushMu.Unlock()

	st.mu.Lock()
	events := st.queue
	st.queue = nil
	snaps := make([]*domain.SnapshotRecord, 0, len(st.latest))
	for _, id := range slices.Sorted(maps.Keys(st.latest)) {
		snaps = append(snaps, st.latest[id])
	}
	clear(st.latest)
	st.mu.Unlock()

	if len(events) > 0 {
		start := time.Now()
		written, unprocessed := st.writeEvents(ctx, events)
		st.metrics.RecordFlush(ctx, time.Since(start), "events", written, unprocessed)
	}
	if len(snaps) > 0 {
		start := time.Now()
		written, unprocessed := st.writeSnapshots(ctx, snaps)
		st.metrics.RecordFlush(ctx, time.Since(start), "snapshots", written, unprocessed)
	}
}

func (st *Store) writeEvents(ctx context.Context, records []*domain.EventRecord) (written, unprocessed int) {
	for chunk := range slices.Chunk(records, st.cfg.BatchSize) {
		rejected, err := st.events.PutEvents(ctx, chunk)
		if err != nil {
			log.Error().Err(err).Int("count", len(chunk)).Msg("write events")
			unprocessed += len(chunk)
			continue
		}
		for _, r := range rejected {
			log.Warn().Str("session_id", r.SessionID).Int64("key", r.Key).Msg("event not written")
		}
		unprocessed += len(rejected)
		written += len(chunk) - len(rejected)
	}
	return written, unprocessed
}

func (st *Store) writeSnapshots(ctx context.Context, records []*domain.SnapshotRecord) (written, unprocessed int) {
	for chunk := range slices.Chunk(records, st.cfg.BatchSize) {
		rejected, err := st.snapshots.PutSnapshots(ctx, chunk)
		if err != nil {
			log.Error().Err(err).Int("count", len(chunk)).Msg("write snapshots")
			unprocessed += len(chunk)
			continue
		}
		for _, r := range rejected {
			log.Warn().Str("session_id", r.SessionID).Int64("key", r.Key).Msg("snapshot not written")
		}
		unprocessed += len(rejected)
		written += len(chunk) - len(rejected)
	}
	return written, unprocessed
}

// Shutdown stops intake and waits, at most DrainTimeout or until ctx is
// done, for the final flush. A drain that does not finish is logged.
func (st *Store) Shutdown(ctx context.Context) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.mu.Unlock()
	st.halt()

	timer := time.NewTimer(st.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-st.done:
	case <-timer.C:
		log.Error().Dur("timeout", st.cfg.DrainTimeout).Msg("event store drain timed out")
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Msg("event store drain interrupted")
	}
	st.cancel()
	return nil
}
