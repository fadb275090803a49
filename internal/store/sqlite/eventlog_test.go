package sqlite_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/knowledge"
	"github.com/gosuda/salient/internal/secrets"
	"github.com/gosuda/salient/internal/session"
	"github.com/gosuda/salient/internal/store/eventlog"
	"github.com/gosuda/salient/internal/store/sqlite"
)

const journalModule = `
name: journal
version: "1"
`

type staticProfiles struct{}

func (staticProfiles) Properties(context.Context, string, []string) (domain.Properties, error) {
	return domain.Properties{"region": "eu"}, nil
}

func (staticProfiles) Aliases(context.Context, string, []string) (map[string]string, error) {
	return nil, nil
}

func (staticProfiles) Invalidate(context.Context, string) error { return nil }

func TestEventLog_SurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "salient.db")

	kms, err := secrets.NewLocalKMS(bytes.Repeat([]byte{3}, secrets.KeySize), "file-key")
	require.NoError(t, err)
	reg := knowledge.NewRegistry()
	_, err = reg.RegisterFlow(domain.DefaultRemote.ID, []byte(journalModule), nil)
	require.NoError(t, err)
	kbs := knowledge.NewCache(reg, nil)

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	boot := func(now time.Time) (*sqlite.Store, *session.Sessions) {
		clock := func() time.Time { return now }
		db, err := sqlite.Open(ctx, path)
		require.NoError(t, err)
		st := eventlog.New(db, db, kms, kbs, eventlog.Config{Now: clock, FlushRate: 1000})
		d := session.NewSessions(st, kbs, staticProfiles{}, session.Config{Now: clock})
		return db, d
	}
	entry := func(kbID, value string) *domain.Command {
		return &domain.Command{
			Kind:            domain.CommandInsert,
			AccountID:       "acct-1",
			SessionID:       "journal-1",
			KnowledgeBaseID: kbID,
			Facts:           []domain.Fact{{Type: "Entry", Value: json.RawMessage(value)}},
		}
	}

	db, d := boot(start)
	require.NoError(t, d.Execute(ctx, []*domain.Command{entry("journal@1", `"first"`)}))
	require.NoError(t, d.Execute(ctx, []*domain.Command{entry("", `"second"`), entry("", `"third"`)}))
	require.NoError(t, d.Shutdown(ctx))
	require.NoError(t, db.Close())

	db, d = boot(start.Add(time.Minute))
	t.Cleanup(func() {
		_ = d.Shutdown(ctx)
		_ = db.Close()
	})

	events, err := db.ListAfter(ctx, "journal-1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	require.NoError(t, d.Execute(ctx, []*domain.Command{entry("", `"fourth"`)}))
	s, ok := d.Session("journal-1")
	require.True(t, ok)
	assert.Equal(t, int64(4), s.FactCount()["Entry"])
	assert.Equal(t, "journal@1", s.Status().KnowledgeBaseID)
	assert.Equal(t, domain.Properties{"region": "eu"}, s.Properties())
}
