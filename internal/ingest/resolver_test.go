package ingest

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/store"
)

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alice@Acme.COM", "alice@acme.com"},
		{"  bob@acme.com  ", "bob@acme.com"},
		{"", model.SentinelIdentity},
		{"  ", model.SentinelIdentity},
		{"null", model.SentinelIdentity},
		{"N/A", model.SentinelIdentity},
		{"na", model.SentinelIdentity},
		{"None", model.SentinelIdentity},
		{"-", model.SentinelIdentity},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeIdentity(tt.in), "input %q", tt.in)
	}
}

func TestCollapseDuplicates_LastOccurrenceWins(t *testing.T) {
	leads := []model.Lead{
		{Email: "alice@acme.com", Title: "Engineer"},
		{Email: "bob@acme.com", Title: "Manager"},
		{Email: "alice@acme.com", Title: "Senior Engineer"},
	}

	out := CollapseDuplicates(leads)
	require.Len(t, out, 2)
	assert.Equal(t, "bob@acme.com", out[0].Email)
	assert.Equal(t, "alice@acme.com", out[1].Email)
	assert.Equal(t, "Senior Engineer", out[1].Title)
}

func TestCollapseDuplicates_SentinelNeverCollapsed(t *testing.T) {
	leads := []model.Lead{
		{Email: model.SentinelIdentity, Name: "Anonymous 1"},
		{Email: model.SentinelIdentity, Name: "Anonymous 2"},
		{Email: model.SentinelIdentity, Name: "Anonymous 3"},
	}

	out := CollapseDuplicates(leads)
	require.Len(t, out, 3)
	assert.Equal(t, "Anonymous 1", out[0].Name)
	assert.Equal(t, "Anonymous 3", out[2].Name)
}

func TestCollapseDuplicates_PreservesOrder(t *testing.T) {
	leads := []model.Lead{
		{Email: "a@x.com"},
		{Email: "b@x.com"},
		{Email: "c@x.com"},
	}

	out := CollapseDuplicates(leads)
	require.Len(t, out, 3)
	assert.Equal(t, "a@x.com", out[0].Email)
	assert.Equal(t, "b@x.com", out[1].Email)
	assert.Equal(t, "c@x.com", out[2].Email)
}

func TestResolve_MissIsInsert(t *testing.T) {
	r := NewResolver(store.NewMemory())

	res := r.Resolve(context.Background(), model.Lead{Email: "new@acme.com"})
	assert.Equal(t, ActionInsert, res.Action)
	assert.Empty(t, res.Lead.ID)
}

func TestResolve_HitIsUpdatePreservingKeyAndCreatedAt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	existing, err := st.Upsert(ctx, model.Lead{Email: "alice@acme.com", Title: "Engineer"})
	require.NoError(t, err)

	r := NewResolver(st)
	res := r.Resolve(ctx, model.Lead{Email: "alice@acme.com", Title: "Director"})

	assert.Equal(t, ActionUpdate, res.Action)
	assert.Equal(t, existing.ID, res.Lead.ID)
	assert.Equal(t, existing.CreatedAt, res.Lead.CreatedAt)
	assert.Equal(t, "Director", res.Lead.Title)
}

func TestResolve_SentinelAlwaysInserts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.Upsert(ctx, model.Lead{Email: model.SentinelIdentity, Name: "First"})
	require.NoError(t, err)

	r := NewResolver(st)
	res := r.Resolve(ctx, model.Lead{Email: model.SentinelIdentity, Name: "Second"})
	assert.Equal(t, ActionInsert, res.Action)
}

// brokenStore fails every identity lookup.
type brokenStore struct {
	*store.MemoryStore
}

func (b *brokenStore) GetByIdentity(context.Context, string) (*model.Lead, error) {
	return nil, eris.New("connection refused")
}

func TestResolve_LookupFailureDegradesToInsert(t *testing.T) {
	r := NewResolver(&brokenStore{store.NewMemory()})

	res := r.Resolve(context.Background(), model.Lead{Email: "alice@acme.com"})
	assert.Equal(t, ActionInsert, res.Action)
}
