package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elicit-dev/elicit/internal/storage/memory"
	"github.com/elicit-dev/elicit/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewRegistry(store, nil), store
}

func key(user, tab string) types.SessionKey {
	return types.SessionKey{UserID: user, TabID: tab}
}

func TestGetOrCreateSeedsFromProfile(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	require.NoError(t, store.SaveProfile(ctx, &types.Profile{
		UserID:          "user-1",
		GlobalContext:   "Q: role?\nA: SRE",
		ExtractedSkills: types.NewStringSet("kubernetes"),
	}))

	s, created, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, types.StateInterview, s.State)
	assert.Equal(t, "Q: role?\nA: SRE", s.GlobalContext)
	assert.True(t, s.ExtractedSkills.Has("kubernetes"))

	again, created, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s.SessionID, again.SessionID)
	assert.Equal(t, 1, reg.Len())
}

func TestGetOrCreateValidates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _, err := reg.GetOrCreate(context.Background(), "", "tab-1")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, _, err = reg.GetOrCreate(context.Background(), "user-1", " ")
	assert.ErrorIs(t, err, types.ErrValidation)
}

type failingProfiles struct{ memory.Store }

func (*failingProfiles) LoadProfile(context.Context, string) (*types.Profile, error) {
	return nil, errors.New("db down")
}

func TestGetOrCreateProfileFailureLeavesNothing(t *testing.T) {
	reg := NewRegistry(&failingProfiles{}, nil)

	_, _, err := reg.GetOrCreate(context.Background(), "user-1", "tab-1")
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestConcurrentGetOrCreateSingleSession(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	var creations atomic.Int32
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, created, err := reg.GetOrCreate(context.Background(), "user-1", "tab-1")
			if !assert.NoError(t, err) {
				return
			}
			if created {
				creations.Add(1)
			}
			ids[i] = s.SessionID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), creations.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

// Concurrent mutations of one key must run one at a time and none may be lost
func TestMutateSerializesPerKey(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	const writers = 20
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Mutate(ctx, key("user-1", "tab-1"), func(_ context.Context, cur *types.InterviewSession) (*types.InterviewSession, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				next := cur.Clone()
				time.Sleep(time.Millisecond)
				next.ConversationHistory = append(next.ConversationHistory, types.ConversationTurn{
					Question: "q", Answer: fmt.Sprintf("a%d", i),
				})
				return next, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, err := reg.Get(key("user-1", "tab-1"))
	require.NoError(t, err)
	assert.Equal(t, writers, s.TurnCount())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	_, _, err = reg.GetOrCreate(ctx, "user-1", "tab-2")
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = reg.Mutate(ctx, key("user-1", "tab-1"), func(_ context.Context, cur *types.InterviewSession) (*types.InterviewSession, error) {
			close(entered)
			<-release
			return nil, nil
		})
	}()
	<-entered

	// tab-2 proceeds while tab-1 is mid-step, and reads of tab-1 do not wait
	_, err = reg.Update(ctx, key("user-1", "tab-2"), Patch{AddSkills: []string{"go"}})
	require.NoError(t, err)
	_, err = reg.Get(key("user-1", "tab-1"))
	require.NoError(t, err)
	assert.Len(t, reg.ListByUser("user-1"), 2)

	close(release)
	<-done
}

func TestMutateErrorKeepsCommitted(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	before, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	after, err := reg.Mutate(ctx, key("user-1", "tab-1"), func(_ context.Context, cur *types.InterviewSession) (*types.InterviewSession, error) {
		return nil, types.ErrProvider
	})
	assert.ErrorIs(t, err, types.ErrProvider)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("session changed (-before +after):\n%s", diff)
	}

	// A value returned alongside an error is committed
	after, err = reg.Mutate(ctx, key("user-1", "tab-1"), func(_ context.Context, cur *types.InterviewSession) (*types.InterviewSession, error) {
		next := cur.Clone()
		next.State = types.StateError
		return next, types.ErrParse
	})
	assert.ErrorIs(t, err, types.ErrParse)
	assert.Equal(t, types.StateError, after.State)
}

func TestMutateUnknownKey(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Mutate(context.Background(), key("nobody", "tab"), func(context.Context, *types.InterviewSession) (*types.InterviewSession, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	_, err = reg.Get(key("nobody", "tab"))
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestUpdatePatch(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	contextText := "summary"
	s, err := reg.Update(ctx, key("user-1", "tab-1"), Patch{
		GlobalContext: &contextText,
		AddSkills:     []string{"Go", "go"},
		AddWorkflows:  []string{"code-review"},
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", s.GlobalContext)
	assert.Equal(t, []string{"go"}, s.ExtractedSkills.Sorted())
	assert.Equal(t, types.StateInterview, s.State, "nil fields are left alone")

	bad := types.State("bogus")
	_, err = reg.Update(ctx, key("user-1", "tab-1"), Patch{State: &bad})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCloseFlushesAndEvicts(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	_, err = reg.Update(ctx, key("user-1", "tab-1"), Patch{AddSkills: []string{"react"}})
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx, key("user-1", "tab-1")))
	assert.Equal(t, 0, reg.Len())
	_, err = reg.Get(key("user-1", "tab-1"))
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	profile, err := store.LoadProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, profile.ExtractedSkills.Has("react"))

	// Second close is a no-op
	assert.NoError(t, reg.Close(ctx, key("user-1", "tab-1")))

	// A new session for the same key starts fresh but seeded
	s, created, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, s.ExtractedSkills.Has("react"))
}

// Two tabs of one user flushing must union, not overwrite
func TestCloseSiblingTabsUnion(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	for _, tab := range []string{"tab-1", "tab-2"} {
		_, _, err := reg.GetOrCreate(ctx, "user-1", tab)
		require.NoError(t, err)
	}
	_, err := reg.Update(ctx, key("user-1", "tab-1"), Patch{AddSkills: []string{"react"}, AddWorkflows: []string{"code-review"}})
	require.NoError(t, err)
	_, err = reg.Update(ctx, key("user-1", "tab-2"), Patch{AddSkills: []string{"node.js"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, tab := range []string{"tab-1", "tab-2"} {
		wg.Add(1)
		go func(tab string) {
			defer wg.Done()
			assert.NoError(t, reg.Close(ctx, key("user-1", tab)))
		}(tab)
	}
	wg.Wait()

	profile, err := store.LoadProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"node.js", "react"}, profile.ExtractedSkills.Sorted())
	assert.Equal(t, []string{"code-review"}, profile.IdentifiedWorkflows.Sorted())
}

// A step waiting on the lock when the session is closed must not resurrect it
func TestMutateAfterConcurrentClose(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = reg.Mutate(ctx, key("user-1", "tab-1"), func(_ context.Context, cur *types.InterviewSession) (*types.InterviewSession, error) {
			close(entered)
			<-release
			return nil, nil
		})
	}()
	<-entered

	closed := make(chan error)
	go func() { closed <- reg.Close(ctx, key("user-1", "tab-1")) }()
	close(release)
	require.NoError(t, <-closed)

	_, err = reg.Mutate(ctx, key("user-1", "tab-1"), func(context.Context, *types.InterviewSession) (*types.InterviewSession, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

type flakyProfiles struct {
	*memory.Store
	fail atomic.Bool
}

func (f *flakyProfiles) SaveProfile(ctx context.Context, p *types.Profile) error {
	if f.fail.Load() {
		return errors.New("write failed")
	}
	return f.Store.SaveProfile(ctx, p)
}

func TestCloseFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	profiles := &flakyProfiles{Store: memory.New()}
	reg := NewRegistry(profiles, nil)
	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	profiles.fail.Store(true)
	require.Error(t, reg.Close(ctx, key("user-1", "tab-1")))
	assert.Equal(t, 1, reg.Len())

	profiles.fail.Store(false)
	require.NoError(t, reg.Close(ctx, key("user-1", "tab-1")))
	assert.Equal(t, 0, reg.Len())
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	profiles := &flakyProfiles{Store: memory.New()}
	reg := NewRegistry(profiles, nil)
	for i := 0; i < 20; i++ {
		_, _, err := reg.GetOrCreate(ctx, fmt.Sprintf("user-%d", i%4), fmt.Sprintf("tab-%d", i))
		require.NoError(t, err)
	}

	require.NoError(t, reg.CloseAll(ctx))
	assert.Equal(t, 0, reg.Len())

	_, _, err := reg.GetOrCreate(ctx, "user-1", "tab-x")
	require.NoError(t, err)
	profiles.fail.Store(true)
	assert.Error(t, reg.CloseAll(ctx))
	assert.Equal(t, 1, reg.Len())
}

func TestListByUserOrdered(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	for _, tab := range []string{"c", "a", "b"} {
		_, _, err := reg.GetOrCreate(ctx, "user-1", tab)
		require.NoError(t, err)
	}
	_, _, err := reg.GetOrCreate(ctx, "user-2", "z")
	require.NoError(t, err)

	list := reg.ListByUser("user-1")
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].TabID)
	assert.Equal(t, "b", list[1].TabID)
	assert.Equal(t, "c", list[2].TabID)

	// Snapshots are copies
	list[0].ExtractedSkills.Add("mutated")
	s, err := reg.Get(key("user-1", "a"))
	require.NoError(t, err)
	assert.False(t, s.ExtractedSkills.Has("mutated"))
}
