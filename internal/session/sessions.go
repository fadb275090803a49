package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/observe"
)

// DefaultIdleTimeout is how long, in logical time, a session without active
// processes stays cached after its last command.
const DefaultIdleTimeout = 15 * time.Minute

// Profiles resolves account configuration for commands.
type Profiles interface {
	Properties(ctx context.Context, accountID string, profiles []string) (domain.Properties, error)
	Aliases(ctx context.Context, accountID string, profiles []string) (map[string]string, error)
	Invalidate(ctx context.Context, accountID string) error
}

// Config tunes the dispatcher. Zero values select the defaults.
type Config struct {
	IdleTimeout        time.Duration
	CommandParallelism int
	TaskParallelism    int
	// Now is the admission clock. Defaults to time.Now.
	Now     func() time.Time
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.CommandParallelism < 1 {
		c.CommandParallelism = 1
	}
	if c.TaskParallelism < 1 {
		c.TaskParallelism = 8
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Sessions is the session cache and command dispatcher.
type Sessions struct {
	store    Store
	kbs      KnowledgeBases
	profiles Profiles
	cfg      Config
	metrics  *observe.Metrics

	commands *Executor
	tasks    *Executor

	mu       sync.RWMutex
	sessions map[string]*Session
	loads    singleflight.Group

	clockMu sync.Mutex
	next    time.Time

	closed atomic.Bool
}

var _ Runtime = (*Sessions)(nil)

func NewSessions(store Store, kbs KnowledgeBases, profiles Profiles, cfg Config) *Sessions {
	cfg = cfg.withDefaults()
	return &Sessions{
		store:    store,
		kbs:      kbs,
		profiles: profiles,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		commands: NewExecutor("commands", cfg.CommandParallelism),
		tasks:    NewExecutor("tasks", cfg.TaskParallelism),
		sessions: make(map[string]*Session),
	}
}

// Execute runs one batch: configuration refresh, alias resolution, parallel
// loading, in-order application and persistence, then the idle sweep. Load
// failures fail the batch before anything is applied. An apply failure
// stops the batch; commands already applied stay applied.
func (d *Sessions) Execute(ctx context.Context, cmds []*domain.Command) error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	defer func() { d.metrics.RecordBatch(ctx, time.Since(start)) }()

	for _, c := range cmds {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("session.Sessions.Execute: %w", err)
		}
	}

	for _, c := range cmds {
		if c.Kind != domain.CommandProfileChanged {
			continue
		}
		log.Info().Str("account_id", c.AccountID).Msg("profile changed")
		if err := d.profiles.Invalidate(ctx, c.AccountID); err != nil {
			log.Warn().Err(err).Str("account_id", c.AccountID).Msg("invalidate profiles")
		}
	}

	for _, c := range cmds {
		if c.KnowledgeBaseID == "" {
			continue
		}
		aliases, err := d.profiles.Aliases(ctx, c.AccountID, c.Profiles)
		if err != nil {
			return fmt.Errorf("session.Sessions.Execute: aliases: %w", err)
		}
		if target, ok := aliases[c.KnowledgeBaseID]; ok {
			c.KnowledgeBaseID = target
		}
	}

	now := d.admit(len(cmds))
	for _, c := range cmds {
		c.Timestamp = now
	}

	if err := d.loadKnowledgeBases(ctx, cmds); err != nil {
		return fmt.Errorf("session.Sessions.Execute: %w", err)
	}

	firsts, ids := loadOrder(cmds)
	if err := d.loadSessions(ctx, firsts); err != nil {
		return fmt.Errorf("session.Sessions.Execute: %w", err)
	}

	if len(ids) > 0 {
		if err := d.apply(ctx, cmds, ids, firsts); err != nil {
			return fmt.Errorf("session.Sessions.Execute: %w", err)
		}
	}

	d.sweep(ctx, now)
	return nil
}

// admit returns the batch timestamp. Timestamps never repeat or go back, and
// leave room for one ordering key per command of the previous batch.
func (d *Sessions) admit(n int) time.Time {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()

	now := d.cfg.Now().UTC()
	if now.Before(d.next) {
		now = d.next
	}
	d.next = now.Add(time.Duration(max(n, 1)))
	return now
}

func (d *Sessions) loadKnowledgeBases(ctx context.Context, cmds []*domain.Command) error {
	var ids []string
	for _, c := range cmds {
		if c.KnowledgeBaseID != "" && !slices.Contains(ids, c.KnowledgeBaseID) {
			ids = append(ids, c.KnowledgeBaseID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := d.kbs.Get(gctx, id)
			return err
		})
	}
	return g.Wait()
}

// loadOrder picks, per session, the command that loads it: the first one
// naming a knowledge base, else the first one. ids is sorted.
func loadOrder(cmds []*domain.Command) (map[string]*domain.Command, []string) {
	firsts := make(map[string]*domain.Command)
	var ids []string
	for _, c := range cmds {
		if c.SessionID == "" {
			continue
		}
		cur, ok := firsts[c.SessionID]
		if !ok {
			firsts[c.SessionID] = c
			ids = append(ids, c.SessionID)
			continue
		}
		if cur.KnowledgeBaseID == "" && c.KnowledgeBaseID != "" {
			firsts[c.SessionID] = c
		}
	}
	slices.Sort(ids)
	return firsts, ids
}

func (d *Sessions) loadSessions(ctx context.Context, firsts map[string]*domain.Command) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range firsts {
		g.Go(func() error {
			_, err := d.load(gctx, c)
			return err
		})
	}
	return g.Wait()
}

// load returns the cached session for cmd or fetches it from the store.
// Concurrent loads of one session share a single fetch.
func (d *Sessions) load(ctx context.Context, cmd *domain.Command) (*Session, error) {
	if s := d.cached(cmd.SessionID); s != nil {
		s.Touch(cmd.Timestamp)
		return s, nil
	}

	// Batches sharing a load must not see each other's cancellation.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := d.loads.Do(cmd.SessionID, func() (any, error) {
		if s := d.cached(cmd.SessionID); s != nil {
			return s, nil
		}

		var props domain.Properties
		if cmd.KnowledgeBaseID != "" {
			p, err := d.profiles.Properties(ctx, cmd.AccountID, cmd.Profiles)
			if err != nil {
				return nil, fmt.Errorf("properties: %w", err)
			}
			props = p
		}

		s, err := d.store.Get(ctx, d, cmd, props)
		if err != nil {
			d.metrics.RecordSessionLoad(ctx, "error")
			return nil, err
		}

		d.mu.Lock()
		d.sessions[cmd.SessionID] = s
		d.mu.Unlock()
		d.metrics.SessionAdded(ctx)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", cmd.SessionID, err)
	}

	s := v.(*Session)
	s.Touch(cmd.Timestamp)
	return s, nil
}

func (d *Sessions) cached(id string) *Session {
	d.mu.RLock()
	s, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok || s.Disposed() {
		return nil
	}
	return s
}

// lock acquires the sequencing locks of every session in ids, in order.
// A session evicted between load and lock is loaded again.
func (d *Sessions) lock(ctx context.Context, ids []string, firsts map[string]*domain.Command) (map[string]*Session, error) {
	locked := make(map[string]*Session, len(ids))
	for _, id := range ids {
		for {
			s, err := d.load(ctx, firsts[id])
			if err != nil {
				unlockAll(locked)
				return nil, err
			}
			s.seq.Lock()
			if !s.Disposed() {
				locked[id] = s
				break
			}
			s.seq.Unlock()
		}
	}
	return locked, nil
}

func unlockAll(locked map[string]*Session) {
	for _, s := range locked {
		s.seq.Unlock()
	}
}

func (d *Sessions) apply(ctx context.Context, cmds []*domain.Command, ids []string, firsts map[string]*domain.Command) error {
	locked, err := d.lock(ctx, ids, firsts)
	if err != nil {
		return err
	}
	defer unlockAll(locked)

	// Ownership is checked for the whole batch before anything is applied.
	for _, c := range cmds {
		if c.SessionID == "" {
			continue
		}
		if owner := locked[c.SessionID].AccountID(); owner != c.AccountID {
			return fmt.Errorf("session %s: account %s: %w", c.SessionID, c.AccountID, domain.ErrUnauthorized)
		}
	}

	return d.commands.Do(ctx, func() error {
		index := 0
		for _, c := range cmds {
			if c.SessionID == "" {
				continue
			}
			s := locked[c.SessionID]

			if c.KnowledgeBaseID != "" {
				if err := d.rebind(ctx, s, c); err != nil {
					return err
				}
			}
			if err := s.Accept(c); err != nil {
				return err
			}
			d.metrics.RecordCommand(ctx, string(c.Kind))

			if err := d.store.Put(ctx, s, c, index); err != nil {
				return fmt.Errorf("store session %s: %w", s.ID(), err)
			}
			index++
		}
		return nil
	})
}

// rebind moves s onto the knowledge base and properties cmd resolves to,
// when they changed.
func (d *Sessions) rebind(ctx context.Context, s *Session, cmd *domain.Command) error {
	kb, err := d.kbs.Get(ctx, cmd.KnowledgeBaseID)
	if err != nil {
		return err
	}
	props, err := d.profiles.Properties(ctx, cmd.AccountID, cmd.Profiles)
	if err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	if !s.HasChanged(kb, props) {
		return nil
	}
	return s.Update(kb, props, cmd.Timestamp)
}

// sweep disposes cached sessions idle longer than the idle timeout that run
// no processes. Sessions held by a running batch are skipped.
func (d *Sessions) sweep(ctx context.Context, now time.Time) {
	d.mu.RLock()
	candidates := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		candidates = append(candidates, s)
	}
	d.mu.RUnlock()

	for _, s := range candidates {
		if !d.evictable(s, now) || !s.seq.TryLock() {
			continue
		}
		if !d.evictable(s, now) {
			s.seq.Unlock()
			continue
		}

		d.mu.Lock()
		if d.sessions[s.ID()] == s {
			delete(d.sessions, s.ID())
		}
		count := len(d.sessions)
		d.mu.Unlock()

		s.Dispose()
		s.seq.Unlock()

		d.metrics.SessionEvicted(ctx)
		log.Info().Str("session_id", s.ID()).Int("count", count).Msg("session evicted")
	}
}

func (d *Sessions) evictable(s *Session, now time.Time) bool {
	return s.Idle(now, d.cfg.IdleTimeout) && s.ProcessCount() == 0
}

// RunTask schedules fn on the task executor without blocking.
func (d *Sessions) RunTask(fn func(ctx context.Context)) error {
	if err := d.tasks.Go(fn); err != nil {
		d.metrics.RecordTask(context.Background(), "rejected")
		return err
	}
	d.metrics.RecordTask(context.Background(), "scheduled")
	return nil
}

// Session returns the cached session with the given id.
func (d *Sessions) Session(id string) (*Session, bool) {
	s := d.cached(id)
	return s, s != nil
}

// Status reports the state of a cached session. Sessions that are not
// loaded are not looked up in the store.
func (d *Sessions) Status(id string) (Status, bool) {
	s := d.cached(id)
	if s == nil {
		return Status{}, false
	}
	return s.Status(), true
}

// Len returns the number of cached sessions.
func (d *Sessions) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// Shutdown drains running tasks (whose outcomes are still dispatched), then
// stops intake, drains in-flight batches and finally the store.
func (d *Sessions) Shutdown(ctx context.Context) error {
	if err := d.tasks.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("task drain incomplete")
	}
	d.closed.Store(true)
	if err := d.commands.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("command drain incomplete")
	}
	if err := d.store.Shutdown(ctx); err != nil {
		return fmt.Errorf("session.Sessions.Shutdown: %w", err)
	}
	return nil
}
