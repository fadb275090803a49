// Package profile resolves the properties, knowledge-base aliases and module
// repositories that apply to an account's sessions.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/secrets"
)

// ErrSealedWithoutKMS is returned when a stored profile is encrypted but the
// resolver has no KMS to open it.
var ErrSealedWithoutKMS = errors.New("profile: sealed profile without kms") //nolint:gochecknoglobals // sentinel error

// Broadcaster fans invalidations out to other processes.
type Broadcaster interface {
	Publish(ctx context.Context, accountID string) error
	Subscribe(ctx context.Context) (<-chan string, func(), error)
}

// Resolver caches the settings of each account for the process lifetime,
// until the account is invalidated. The root account's settings are merged
// beneath every account's own.
type Resolver struct {
	source domain.ProfileRepository
	kms    secrets.KMS
	bus    Broadcaster

	mu       sync.RWMutex
	accounts map[string]*domain.Settings
	loads    singleflight.Group
}

// NewResolver creates a Resolver. kms and bus may be nil.
func NewResolver(source domain.ProfileRepository, kms secrets.KMS, bus Broadcaster) *Resolver {
	return &Resolver{
		source:   source,
		kms:      kms,
		bus:      bus,
		accounts: make(map[string]*domain.Settings),
	}
}

// Properties merges root and account properties for the active profiles
// and then the named ones.
func (r *Resolver) Properties(ctx context.Context, accountID string, profiles []string) (domain.Properties, error) {
	root, account, err := r.pair(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("profile.Resolver.Properties: %w", err)
	}
	props := root.Properties(profiles)
	maps.Copy(props, account.Properties(profiles))
	return props, nil
}

// Aliases merges root and account knowledge-base aliases.
func (r *Resolver) Aliases(ctx context.Context, accountID string, profiles []string) (map[string]string, error) {
	root, account, err := r.pair(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("profile.Resolver.Aliases: %w", err)
	}
	aliases := root.Aliases(profiles)
	maps.Copy(aliases, account.Aliases(profiles))
	return aliases, nil
}

// Remotes returns the default remote followed by the root account's
// repositories. A root repository with the default's id replaces it in
// place.
func (r *Resolver) Remotes(ctx context.Context) ([]domain.Remote, error) {
	root, err := r.settings(ctx, domain.RootAccountID)
	if err != nil {
		return nil, fmt.Errorf("profile.Resolver.Remotes: %w", err)
	}

	remotes := []domain.Remote{domain.DefaultRemote}
	for _, repo := range root.Remotes() {
		if repo.ID == domain.DefaultRemote.ID {
			remotes[0] = repo
			continue
		}
		remotes = append(remotes, repo)
	}
	return remotes, nil
}

// Invalidate drops the cached settings of accountID here and, when a
// broadcaster is configured, in every other process.
func (r *Resolver) Invalidate(ctx context.Context, accountID string) error {
	r.drop(accountID)
	if r.bus == nil {
		return nil
	}
	if err := r.bus.Publish(ctx, accountID); err != nil {
		return fmt.Errorf("profile.Resolver.Invalidate: %w", err)
	}
	return nil
}

// Listen applies invalidations from other processes until ctx is done or the
// subscription ends.
func (r *Resolver) Listen(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, cleanup, err := r.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("profile.Resolver.Listen: %w", err)
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return nil
		case accountID, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debug().Str("account_id", accountID).Msg("remote profile invalidation")
			r.drop(accountID)
		}
	}
}

// Cached reports whether the settings of accountID are cached.
func (r *Resolver) Cached(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[accountID]
	return ok
}

func (r *Resolver) drop(accountID string) {
	r.mu.Lock()
	delete(r.accounts, accountID)
	r.mu.Unlock()
	r.loads.Forget(accountID)
}

func (r *Resolver) pair(ctx context.Context, accountID string) (*domain.Settings, *domain.Settings, error) {
	root, err := r.settings(ctx, domain.RootAccountID)
	if err != nil {
		return nil, nil, err
	}
	if accountID == domain.RootAccountID {
		return root, &domain.Settings{}, nil
	}
	account, err := r.settings(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return root, account, nil
}

func (r *Resolver) settings(ctx context.Context, accountID string) (*domain.Settings, error) {
	r.mu.RLock()
	s, ok := r.accounts[accountID]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	shared := context.WithoutCancel(ctx)
	v, err, _ := r.loads.Do(accountID, func() (any, error) {
		s, err := r.load(shared, accountID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.accounts[accountID] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Settings), nil
}

func (r *Resolver) load(ctx context.Context, accountID string) (*domain.Settings, error) {
	records, err := r.source.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list profiles of %s: %w", accountID, err)
	}

	profiles := make([]*domain.Profile, 0, len(records))
	for _, rec := range records {
		p := rec.Profile
		if rec.Sealed {
			props, err := r.unseal(ctx, rec)
			if err != nil {
				return nil, err
			}
			p.Properties = props
		}
		profiles = append(profiles, &p)
	}

	log.Debug().Str("account_id", accountID).Int("count", len(profiles)).Msg("profiles loaded")
	return domain.NewSettings(profiles), nil
}

func (r *Resolver) unseal(ctx context.Context, rec *domain.ProfileRecord) (domain.Properties, error) {
	if r.kms == nil {
		return nil, fmt.Errorf("profile %s/%s: %w", rec.AccountID, rec.Profile.Name, ErrSealedWithoutKMS)
	}
	plain, err := r.kms.Decrypt(ctx, rec.SealedProperties, secrets.AccountContext(rec.AccountID))
	if err != nil {
		return nil, fmt.Errorf("decrypt profile %s/%s: %w", rec.AccountID, rec.Profile.Name, err)
	}
	var props domain.Properties
	if err := json.Unmarshal(plain, &props); err != nil {
		return nil, fmt.Errorf("decode profile %s/%s: %w", rec.AccountID, rec.Profile.Name, err)
	}
	return props, nil
}

// Seal encrypts props for storage in a sealed profile of accountID.
func Seal(ctx context.Context, kms secrets.KMS, accountID string, props domain.Properties) ([]byte, error) {
	plain, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("profile.Seal: %w", err)
	}
	sealed, err := kms.Encrypt(ctx, plain, secrets.AccountContext(accountID))
	if err != nil {
		return nil, fmt.Errorf("profile.Seal: %w", err)
	}
	return sealed, nil
}
