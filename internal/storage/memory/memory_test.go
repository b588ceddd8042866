package memory

import (
	"context"
	"testing"
	"time"

	"github.com/elicit-dev/elicit/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileUnion(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.SaveProfile(ctx, &types.Profile{
		UserID:          "user-1",
		GlobalContext:   "ctx",
		ExtractedSkills: types.NewStringSet("react"),
	}))
	require.NoError(t, store.SaveProfile(ctx, &types.Profile{
		UserID:              "user-1",
		ExtractedSkills:     types.NewStringSet("node.js"),
		IdentifiedWorkflows: types.NewStringSet("planning-execution"),
	}))

	p, err := store.LoadProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ctx", p.GlobalContext)
	assert.Equal(t, []string{"node.js", "react"}, p.ExtractedSkills.Sorted())
	assert.Equal(t, []string{"planning-execution"}, p.IdentifiedWorkflows.Sorted())
}

func TestLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.SaveProfile(ctx, &types.Profile{UserID: "user-1", ExtractedSkills: types.NewStringSet("go")}))

	p, err := store.LoadProfile(ctx, "user-1")
	require.NoError(t, err)
	p.ExtractedSkills.Add("rust")

	again, err := store.LoadProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, again.ExtractedSkills.Has("rust"))
}

func TestDatasetsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	inst := []types.Instance{{Question: "What is your role?", Answer: "I run the platform team.", Tags: []string{"role"}}}
	first, err := store.CreateDataset(ctx, "user-1", "s1", inst)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	second, err := store.CreateDataset(ctx, "user-1", "s2", inst)
	require.NoError(t, err)

	list, err := store.ListDatasets(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, first, list[1].ID)
	assert.Nil(t, list[0].Instances)

	ds, err := store.GetDataset(ctx, first)
	require.NoError(t, err)
	require.Len(t, ds.Instances, 1)
	assert.NotEmpty(t, ds.Instances[0].ID)

	_, err = store.GetDataset(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.CreateDataset(ctx, "user-1", "s3", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.SaveProfile(ctx, &types.Profile{UserID: "u"}), context.Canceled)
	_, err := store.LoadProfile(ctx, "u")
	assert.ErrorIs(t, err, context.Canceled)
}
