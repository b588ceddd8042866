package interview

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elicit-dev/elicit/internal/ai"
	"github.com/elicit-dev/elicit/internal/cost"
	"github.com/elicit-dev/elicit/internal/session"
	"github.com/elicit-dev/elicit/internal/storage/memory"
	"github.com/elicit-dev/elicit/internal/types"
	"github.com/elicit-dev/elicit/internal/workflow"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, which starts its stats worker in init
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const extraction = `{"instances":[
  {"question":"How do you roll out a Kubernetes change?","answer":"Canary first, then a staged rollout watched on dashboards.","tags":["kubernetes"]}
]}`

type stubCompleter struct {
	mu         sync.Mutex
	extraction string
	failNext   error
}

func (c *stubCompleter) Complete(ctx context.Context, req ai.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return "", err
	}
	switch req.Operation {
	case "next_question":
		return "What happens next in that process?", nil
	case "extract_instances":
		return c.extraction, nil
	}
	return "", fmt.Errorf("%w: unexpected %s", types.ErrProvider, req.Operation)
}

type testService struct {
	*Service
	completer *stubCompleter
	store     *memory.Store
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	completer := &stubCompleter{extraction: extraction}
	store := memory.New()

	qcfg := cost.DefaultConfig()
	qcfg.GenerationsPerMinute = 0
	qcfg.PersistStatePath = ""
	tracker, err := cost.NewTracker(qcfg, nil)
	require.NoError(t, err)

	engine, err := workflow.New(workflow.Deps{
		Completer: completer,
		Quota:     tracker,
		Profiles:  store,
		Instances: store,
	}, workflow.DefaultConfig(), nil)
	require.NoError(t, err)

	svc, err := NewService(session.NewRegistry(store, nil), engine, DefaultConfig(), nil)
	require.NoError(t, err)
	return &testService{Service: svc, completer: completer, store: store}
}

func TestStartSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, ai.OpeningQuestion, res.FirstQuestion)
	assert.Equal(t, types.StateInterview, res.State)
	assert.Equal(t, 0, res.Progress.TurnCount)
	assert.Equal(t, 25, res.Progress.MaxTurns)

	again, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.SessionID, again.SessionID)
	assert.Equal(t, res.FirstQuestion, again.FirstQuestion)
}

func TestSubmitAnswerValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	res, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", res.SessionID, "too short")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", res.SessionID, strings.Repeat("x", 8001))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", "", "a perfectly fine answer")
	assert.ErrorIs(t, err, types.ErrValidation)

	status, err := svc.GetStatus(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.TurnCount(), "rejected answers never reach the engine")
}

func TestSubmitAnswerStaleSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", "some-old-session", "I work on payment systems.")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-9", "whatever", "I work on payment systems.")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestFullInterview(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	start, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	res, err := svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, "I use React and Node.js for deployment pipelines")
	require.NoError(t, err)
	assert.False(t, res.IsComplete)
	assert.Equal(t, "What happens next in that process?", res.NextQuestion)
	assert.False(t, res.ThresholdMetrics.GenerationReady)
	assert.Equal(t, 1, res.Progress.TurnCount)

	for !res.IsComplete {
		res, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, "Mostly the same as before.")
		require.NoError(t, err)
	}
	assert.Equal(t, types.StateComplete, res.State)
	require.Len(t, res.GeneratedInstances, 1)
	assert.NotEmpty(t, res.DatasetID)
	assert.Equal(t, 100.0, res.Progress.Percent)

	ds, err := svc.store.GetDataset(ctx, res.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, start.SessionID, ds.SessionID)

	// Generation already flushed the profile
	profile, err := svc.store.LoadProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, profile.ExtractedSkills.Has("react"))
}

func TestProviderFailureAllowsResubmit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	start, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, "I build data pipelines in Python.")
	require.NoError(t, err)

	svc.completer.failNext = fmt.Errorf("%w: upstream 503", types.ErrProvider)
	_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, "We schedule them with Airflow.")
	require.ErrorIs(t, err, types.ErrProvider)

	status, err := svc.GetStatus(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.TurnCount())

	res, err := svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, "We schedule them with Airflow.")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Progress.TurnCount)
}

func TestParseFailureThenResume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	svc.completer.extraction = "Invalid JSON { malformed"
	start, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		_, err = svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, "Nothing more to add, really.")
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, types.ErrParse)

	status, err := svc.GetStatus(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, status.State)
	assert.Empty(t, status.GeneratedInstances)

	svc.completer.mu.Lock()
	svc.completer.extraction = extraction
	svc.completer.mu.Unlock()

	res, err := svc.Resume(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.True(t, res.IsComplete)
	assert.Len(t, res.GeneratedInstances, 1)
}

func TestListAndCloseSessions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, tab := range []string{"left", "right"} {
		start, err := svc.StartSession(ctx, "user-1", tab)
		require.NoError(t, err)
		_, err = svc.SubmitAnswer(ctx, "user-1", tab, start.SessionID, "I write Go and some Rust at work.")
		require.NoError(t, err)
	}

	list := svc.ListSessions(ctx, "user-1")
	require.Len(t, list, 2)
	assert.Equal(t, "left", list[0].TabID)
	assert.Equal(t, 1, list[0].Progress.TurnCount)
	assert.Empty(t, svc.ListSessions(ctx, "user-2"))

	require.NoError(t, svc.CloseSession(ctx, "user-1", "left"))
	require.NoError(t, svc.CloseSession(ctx, "user-1", "left"))
	assert.Len(t, svc.ListSessions(ctx, "user-1"), 1)

	_, err := svc.GetStatus(ctx, "user-1", "left")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

// Concurrent submits for one tab are serialized; each either applies or is
// rejected as stale, and no turn is lost or duplicated.
func TestConcurrentSubmitsSameTab(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	start, err := svc.StartSession(ctx, "user-1", "tab-1")
	require.NoError(t, err)

	const submits = 10
	var wg sync.WaitGroup
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.SubmitAnswer(ctx, "user-1", "tab-1", start.SessionID, fmt.Sprintf("Concurrent answer number %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	status, err := svc.GetStatus(ctx, "user-1", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, submits, status.TurnCount())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MinAnswerLength: 0, MaxAnswerLength: 10}.Validate())
	assert.Error(t, Config{MinAnswerLength: 20, MaxAnswerLength: 10}.Validate())
}
