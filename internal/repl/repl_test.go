package repl

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elicit-dev/elicit/internal/ai"
	"github.com/elicit-dev/elicit/internal/cost"
	"github.com/elicit-dev/elicit/internal/interview"
	"github.com/elicit-dev/elicit/internal/session"
	"github.com/elicit-dev/elicit/internal/storage/memory"
	"github.com/elicit-dev/elicit/internal/types"
	"github.com/elicit-dev/elicit/internal/workflow"
)

type scriptedCompleter struct {
	mu         sync.Mutex
	extraction string
}

func (c *scriptedCompleter) Complete(ctx context.Context, req ai.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Operation == "extract_instances" {
		return c.extraction, nil
	}
	return "How do you test that?", nil
}

func newTestREPL(t *testing.T, extraction string) (*REPL, *bytes.Buffer, *memory.Store) {
	t.Helper()
	color.NoColor = true
	store := memory.New()

	qcfg := cost.DefaultConfig()
	qcfg.GenerationsPerMinute = 0
	qcfg.PersistStatePath = ""
	tracker, err := cost.NewTracker(qcfg, nil)
	require.NoError(t, err)

	engine, err := workflow.New(workflow.Deps{
		Completer: &scriptedCompleter{extraction: extraction},
		Quota:     tracker,
		Profiles:  store,
		Instances: store,
	}, workflow.DefaultConfig(), nil)
	require.NoError(t, err)
	svc, err := interview.NewService(session.NewRegistry(store, nil), engine, interview.DefaultConfig(), nil)
	require.NoError(t, err)

	var out bytes.Buffer
	r, err := New(&Config{Service: svc, UserID: "dev", TabID: "term", Out: &out})
	require.NoError(t, err)
	return r, &out, store
}

const goodExtraction = `{"instances":[{"question":"How do you profile a slow endpoint?","answer":"Capture a CPU profile under load and read the flame graph.","tags":["performance"]}]}`

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{})
	assert.Error(t, err)

	r, _, _ := newTestREPL(t, goodExtraction)
	_, err = New(&Config{Service: r.svc})
	assert.Error(t, err, "user is required")
}

func TestStartPrintsOpeningQuestion(t *testing.T) {
	r, out, _ := newTestREPL(t, goodExtraction)
	require.NoError(t, r.start(context.Background()))

	assert.NotEmpty(t, r.sessionID)
	assert.Contains(t, out.String(), ai.OpeningQuestion)
	assert.Contains(t, out.String(), "[turn 0/25, 0%]")
}

func TestAnswersAdvanceToCompletion(t *testing.T) {
	r, out, store := newTestREPL(t, goodExtraction)
	ctx := context.Background()
	require.NoError(t, r.start(ctx))

	require.NoError(t, r.processInput(ctx, "I tune Postgres queries and write Python tooling."))
	assert.Contains(t, out.String(), "How do you test that?")

	out.Reset()
	require.NoError(t, r.processInput(ctx, "/skills"))
	assert.Contains(t, out.String(), "sql")
	assert.Contains(t, out.String(), "python")

	for i := 0; i < 30 && !r.done; i++ {
		require.NoError(t, r.processInput(ctx, "Nothing else comes to mind."))
	}
	require.True(t, r.done)
	assert.Contains(t, out.String(), "Generated 1 instances")
	assert.Contains(t, out.String(), "How do you profile a slow endpoint?")

	err := r.processInput(ctx, "an answer after the end")
	assert.Error(t, err)

	datasets, err := store.ListDatasets(ctx, "dev")
	require.NoError(t, err)
	assert.Len(t, datasets, 1)
}

func TestCommands(t *testing.T) {
	r, out, _ := newTestREPL(t, goodExtraction)
	ctx := context.Background()
	require.NoError(t, r.start(ctx))

	out.Reset()
	require.NoError(t, r.processInput(ctx, "/help"))
	assert.Contains(t, out.String(), "/resume")

	out.Reset()
	require.NoError(t, r.processInput(ctx, "/status"))
	assert.Contains(t, out.String(), "State:               interview")

	assert.Error(t, r.processInput(ctx, "/dance"))
	assert.True(t, errors.Is(r.processInput(ctx, "/exit"), errExit))
	assert.NoError(t, r.processInput(ctx, "   "))
}

func TestParseFailureSuggestsResume(t *testing.T) {
	r, out, _ := newTestREPL(t, "not json at all")
	ctx := context.Background()
	require.NoError(t, r.start(ctx))

	var err error
	for i := 0; i < 25; i++ {
		if err = r.processInput(ctx, "Nothing else comes to mind."); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, types.ErrParse)

	out.Reset()
	r.printError(err)
	assert.Contains(t, out.String(), "/resume")
	assert.False(t, r.done)
}
