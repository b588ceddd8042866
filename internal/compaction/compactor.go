// Package compaction keeps a session's running summary within its size budget.
//
// Compaction is lossy and one-directional: the original text is discarded.
// It never fails the turn. When the summarizer errors or returns something
// unusable, a deterministic word-budget truncation is used instead.
package compaction

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/elicit-dev/elicit/internal/ai"
)

// Method records how a context was compacted
type Method string

const (
	MethodNone       Method = "none"
	MethodSummarized Method = "summarized"
	MethodTruncated  Method = "truncated"
)

// Config holds compaction settings
type Config struct {
	// MaxContextSize is the ceiling in runes above which compaction runs
	MaxContextSize int `yaml:"max_context_size"`
	// TargetRatio is the fraction of the original length to aim for
	TargetRatio float64 `yaml:"target_ratio"`
	// Timeout bounds the summarizer call
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default compaction settings
func DefaultConfig() Config {
	return Config{
		MaxContextSize: 16000,
		TargetRatio:    0.6,
		Timeout:        20 * time.Second,
	}
}

// Result is the outcome of one Compact call
type Result struct {
	Text           string
	Method         Method
	OriginalLength int
	Length         int
}

// Compactor shrinks oversized context
type Compactor struct {
	summarizer ai.Completer
	cfg        Config
	logger     *zap.Logger
}

// New creates a compactor. summarizer may be nil, in which case every
// compaction uses truncation.
func New(summarizer ai.Completer, cfg Config, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxContextSize <= 0 {
		cfg.MaxContextSize = DefaultConfig().MaxContextSize
	}
	if cfg.TargetRatio <= 0 || cfg.TargetRatio >= 1 {
		cfg.TargetRatio = DefaultConfig().TargetRatio
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Compactor{summarizer: summarizer, cfg: cfg, logger: logger}
}

// NeedsCompaction reports whether text is over the ceiling
func (c *Compactor) NeedsCompaction(text string) bool {
	return utf8.RuneCountInString(text) > c.cfg.MaxContextSize
}

// Compact shrinks text if it is over the ceiling. The result is never longer
// than the input.
func (c *Compactor) Compact(ctx context.Context, text string) Result {
	original := utf8.RuneCountInString(text)
	if original <= c.cfg.MaxContextSize {
		return Result{Text: text, Method: MethodNone, OriginalLength: original, Length: original}
	}

	target := int(float64(original) * c.cfg.TargetRatio)
	if target > c.cfg.MaxContextSize {
		target = c.cfg.MaxContextSize
	}

	if c.summarizer != nil {
		summary, err := c.summarizer.Complete(ctx, ai.Request{
			Operation:   "compaction",
			Prompt:      ai.BuildCompactionPrompt(text, target),
			MaxTokens:   target/3 + 256,
			Temperature: 0.2,
			Timeout:     c.cfg.Timeout,
		})
		summary = strings.TrimSpace(summary)
		n := utf8.RuneCountInString(summary)
		switch {
		case err != nil:
			c.logger.Warn("summarizer failed, truncating context", zap.Error(err))
		case n == 0:
			c.logger.Warn("summarizer returned empty output, truncating context")
		case n >= original:
			c.logger.Warn("summarizer did not shrink context, truncating",
				zap.Int("original", original), zap.Int("summary", n))
		case n > c.cfg.MaxContextSize:
			// Still over the ceiling. Truncate the summary rather than the original.
			truncated := TruncateWords(summary, target)
			m := utf8.RuneCountInString(truncated)
			return Result{Text: truncated, Method: MethodTruncated, OriginalLength: original, Length: m}
		default:
			c.logger.Debug("context summarized", zap.Int("original", original), zap.Int("summary", n))
			return Result{Text: summary, Method: MethodSummarized, OriginalLength: original, Length: n}
		}
	}

	truncated := TruncateWords(text, target)
	return Result{
		Text:           truncated,
		Method:         MethodTruncated,
		OriginalLength: original,
		Length:         utf8.RuneCountInString(truncated),
	}
}

// TruncateWords keeps the most recent whole words that fit within budget
// runes, joined by single spaces. The output is never longer than the input.
func TruncateWords(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= budget {
		return text
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	used := 0
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(words[i])
		if used > 0 {
			n++ // separating space
		}
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	if start == len(words) {
		// A single word is longer than the budget: keep its tail.
		last := []rune(words[len(words)-1])
		return string(last[len(last)-budget:])
	}
	return strings.Join(words[start:], " ")
}
