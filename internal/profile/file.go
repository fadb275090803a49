package profile

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/gosuda/salient/internal/domain"
)

// fileProfile is one profile entry of a settings file. Sealed holds
// base64 KMS ciphertext and excludes Properties.
type fileProfile struct {
	domain.Profile `yaml:",inline"`
	Sealed         string `yaml:"sealed,omitempty"`
}

type fileSettings struct {
	Accounts map[string][]fileProfile `yaml:"accounts"`
}

// FileSource is a read-only domain.ProfileRepository loaded from YAML:
//
//	accounts:
//	  root:
//	    - name: base
//	      active: true
//	      properties: {region: eu}
//	  acct-1:
//	    - name: beta
//	      aliases: {chat@1.0: chat@2.0}
type FileSource struct {
	accounts map[string][]*domain.ProfileRecord
}

var _ domain.ProfileRepository = (*FileSource)(nil)

// LoadFile reads the settings file at path.
func LoadFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("profile: open %q: %w", path, err)
	}
	defer f.Close()

	src, err := LoadReader(f)
	if err != nil {
		return nil, fmt.Errorf("profile: parse %q: %w", path, err)
	}
	return src, nil
}

// LoadReader decodes settings YAML from r. Unknown fields are rejected.
func LoadReader(r io.Reader) (*FileSource, error) {
	var doc fileSettings
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("profile: decode yaml: %w", err)
	}

	src := &FileSource{accounts: make(map[string][]*domain.ProfileRecord, len(doc.Accounts))}
	var errs []error
	for accountID, entries := range doc.Accounts {
		seen := map[string]bool{}
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("accounts.%s[%d]: name is required", accountID, i))
				continue
			}
			if seen[e.Name] {
				errs = append(errs, fmt.Errorf("accounts.%s: duplicate profile %q", accountID, e.Name))
				continue
			}
			seen[e.Name] = true

			rec := &domain.ProfileRecord{AccountID: accountID, Profile: e.Profile}
			if e.Sealed != "" {
				if len(e.Properties) > 0 {
					errs = append(errs, fmt.Errorf("accounts.%s.%s: sealed and properties are exclusive", accountID, e.Name))
					continue
				}
				sealed, err := base64.StdEncoding.DecodeString(e.Sealed)
				if err != nil {
					errs = append(errs, fmt.Errorf("accounts.%s.%s: sealed: %w", accountID, e.Name, err))
					continue
				}
				rec.Sealed = true
				rec.SealedProperties = sealed
			}
			src.accounts[accountID] = append(src.accounts[accountID], rec)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return src, nil
}

func (s *FileSource) ListByAccount(_ context.Context, accountID string) ([]*domain.ProfileRecord, error) {
	return slices.Clone(s.accounts[accountID]), nil
}

// Accounts returns the number of accounts with at least one profile.
func (s *FileSource) Accounts() int {
	return len(s.accounts)
}
