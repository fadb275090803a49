package domain

import (
	"context"
	"maps"
	"slices"
)

// RootAccountID owns the settings merged beneath every account's own.
const RootAccountID = "root"

// DefaultRemote is the allow-listed module repository always consulted first.
var DefaultRemote = Remote{ID: "salient", URL: "https://repo.salient.ws/modules"} //nolint:gochecknoglobals // allow-listed default

// Properties is the resolved configuration handed to a session.
type Properties map[string]string

// Equal reports whether p and o hold the same entries. A nil and an empty
// map are equal.
func (p Properties) Equal(o Properties) bool {
	return maps.Equal(p, o)
}

// Clone returns an independent copy of p.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	maps.Copy(out, p)
	return out
}

// Remote describes a module repository knowledge bases are resolved from.
// Two remotes are the same repository when their ids match.
type Remote struct {
	ID  string `json:"id" yaml:"id"`
	URL string `json:"url" yaml:"url"`
}

// Profile is one named bundle of configuration of an account.
type Profile struct {
	Name         string            `json:"name" yaml:"name"`
	Active       bool              `json:"active,omitempty" yaml:"active,omitempty"`
	Properties   Properties        `json:"properties,omitempty" yaml:"properties,omitempty"`
	Aliases      map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Repositories []Remote          `json:"repositories,omitempty" yaml:"repositories,omitempty"`
}

// Settings are all profiles of one account.
type Settings struct {
	Profiles       map[string]*Profile
	ActiveProfiles []string
}

// NewSettings indexes profiles by name and records the active ones in order.
func NewSettings(profiles []*Profile) *Settings {
	s := &Settings{Profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		s.Profiles[p.Name] = p
		if p.Active {
			s.ActiveProfiles = append(s.ActiveProfiles, p.Name)
		}
	}
	return s
}

// selected returns the active profiles followed by the requested ones.
// Unknown names contribute nothing.
func (s *Settings) selected(names []string) []*Profile {
	if s == nil {
		return nil
	}
	var out []*Profile
	for _, name := range s.ActiveProfiles {
		if p, ok := s.Profiles[name]; ok {
			out = append(out, p)
		}
	}
	for _, name := range names {
		if p, ok := s.Profiles[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Properties merges the properties of the selected profiles; later wins.
func (s *Settings) Properties(names []string) Properties {
	props := Properties{}
	for _, p := range s.selected(names) {
		maps.Copy(props, p.Properties)
	}
	return props
}

// Aliases merges the knowledge-base aliases of the selected profiles.
func (s *Settings) Aliases(names []string) map[string]string {
	aliases := map[string]string{}
	for _, p := range s.selected(names) {
		maps.Copy(aliases, p.Aliases)
	}
	return aliases
}

// Remotes returns the repositories of every profile (active or not),
// de-duplicated by id, first occurrence wins.
func (s *Settings) Remotes() []Remote {
	if s == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []Remote
	for _, name := range slices.Sorted(maps.Keys(s.Profiles)) {
		for _, r := range s.Profiles[name].Repositories {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// ProfileRecord is a stored profile row. When Sealed is set, Properties is
// empty and SealedProperties holds the KMS-encrypted JSON properties.
type ProfileRecord struct {
	AccountID        string
	Profile          Profile
	Sealed           bool
	SealedProperties []byte
}

// ProfileRepository reads the stored profiles of an account.
type ProfileRepository interface {
	ListByAccount(ctx context.Context, accountID string) ([]*ProfileRecord, error)
}
