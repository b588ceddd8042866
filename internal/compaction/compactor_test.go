package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elicit-dev/elicit/internal/ai"
)

type fakeSummarizer struct {
	reply string
	err   error
	calls int
	last  ai.Request
}

func (f *fakeSummarizer) Complete(ctx context.Context, req ai.Request) (string, error) {
	f.calls++
	f.last = req
	return f.reply, f.err
}

func smallConfig() Config {
	return Config{MaxContextSize: 100, TargetRatio: 0.6}
}

func longText(words int) string {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = "word" + strings.Repeat("x", i%5)
	}
	return strings.Join(parts, " ")
}

func TestCompactUnderCeilingIsUntouched(t *testing.T) {
	s := &fakeSummarizer{reply: "short"}
	c := New(s, smallConfig(), nil)

	r := c.Compact(context.Background(), "just a little context")
	assert.Equal(t, MethodNone, r.Method)
	assert.Equal(t, "just a little context", r.Text)
	assert.Equal(t, 0, s.calls)
	assert.False(t, c.NeedsCompaction("just a little context"))
}

func TestCompactUsesSummary(t *testing.T) {
	s := &fakeSummarizer{reply: "  react, node.js, deployment pipelines  "}
	c := New(s, smallConfig(), nil)
	text := longText(60)
	require.True(t, c.NeedsCompaction(text))

	r := c.Compact(context.Background(), text)
	assert.Equal(t, MethodSummarized, r.Method)
	assert.Equal(t, "react, node.js, deployment pipelines", r.Text)
	assert.Equal(t, 1, s.calls)
	assert.Equal(t, "compaction", s.last.Operation)
	assert.Contains(t, s.last.Prompt, "at most 100 characters")
}

func TestCompactFallsBackToTruncation(t *testing.T) {
	text := longText(80)
	tests := []struct {
		name string
		s    *fakeSummarizer
	}{
		{"summarizer error", &fakeSummarizer{err: errors.New("provider down")}},
		{"empty summary", &fakeSummarizer{reply: "   "}},
		{"summary not shorter", &fakeSummarizer{reply: text + " and more"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.s, smallConfig(), nil)
			r := c.Compact(context.Background(), text)
			assert.Equal(t, MethodTruncated, r.Method)
			assert.LessOrEqual(t, r.Length, 100)
			assert.True(t, strings.HasSuffix(text, r.Text), "truncation keeps the most recent words")
		})
	}
}

func TestCompactSummaryOverCeilingIsTruncated(t *testing.T) {
	text := longText(200)
	s := &fakeSummarizer{reply: longText(50)}
	c := New(s, smallConfig(), nil)

	r := c.Compact(context.Background(), text)
	assert.Equal(t, MethodTruncated, r.Method)
	assert.LessOrEqual(t, r.Length, 100)
}

func TestCompactNeverGrows(t *testing.T) {
	inputs := []string{
		longText(30),
		longText(300),
		strings.Repeat("ü", 250),
		strings.Repeat("spaced   out   ", 40),
		strings.Repeat(" ", 300),
	}
	summarizers := []ai.Completer{
		nil,
		&fakeSummarizer{err: errors.New("boom")},
		&fakeSummarizer{reply: "tiny"},
		&fakeSummarizer{reply: strings.Repeat("long summary ", 100)},
	}

	for _, in := range inputs {
		for _, s := range summarizers {
			c := New(s, smallConfig(), nil)
			r := c.Compact(context.Background(), in)
			assert.LessOrEqual(t, utf8.RuneCountInString(r.Text), utf8.RuneCountInString(in))
			assert.LessOrEqual(t, len(r.Text), len(in))
		}
	}
}

func TestTruncateWords(t *testing.T) {
	assert.Equal(t, "c d", TruncateWords("a b c d", 3))
	assert.Equal(t, "a b", TruncateWords("a b", 10))
	assert.Equal(t, "", TruncateWords("a b", 0))
	assert.Equal(t, "fghij", TruncateWords("abcdefghij", 5))
	assert.Equal(t, "", TruncateWords("        ", 3))
}
