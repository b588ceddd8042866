package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled regular expressions for model output cleanup
var (
	// Matches: ```json\n{...}\n```, ```{...}```, ``` json{...}```, etc.
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex  = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// DefaultMaxInputSize bounds the text Parse will look at
const DefaultMaxInputSize = 1 << 20

// ParseResult is the outcome of parsing model output as T. Model output is
// never trusted as structured data until a ParseResult reports Success.
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// ParseOptions configures Parse
type ParseOptions struct {
	Context      string // Prefix for error messages
	MaxInputSize int    // Maximum input size in bytes (0 = DefaultMaxInputSize)
}

// Parse attempts to parse model output as JSON into T.
//
// Strategy sequence:
//  1. Direct JSON parse
//  2. Remove code fences and retry
//  3. Fix trailing commas and comments, retry
//  4. Extract the outermost object or array from mixed content and retry
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var options ParseOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.MaxInputSize == 0 {
		options.MaxInputSize = DefaultMaxInputSize
	}

	if len(text) > options.MaxInputSize {
		return parseFailure[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), options.MaxInputSize),
			truncate(text, 1000), options.Context)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseFailure[T]("empty input", text, options.Context)
	}

	candidates := []string{trimmed}
	withoutFences := removeCodeFences(trimmed)
	if withoutFences != trimmed {
		candidates = append(candidates, withoutFences)
	}
	cleaned := cleanupJSON(withoutFences)
	candidates = append(candidates, cleaned)
	if extracted := extractJSON(cleaned); extracted != "" {
		candidates = append(candidates, extracted, cleanupJSON(extracted))
	}

	var firstErr error
	for _, candidate := range candidates {
		var data T
		err := json.Unmarshal([]byte(candidate), &data)
		if err == nil {
			return ParseResult[T]{Success: true, Data: data, OriginalText: text}
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	return parseFailure[T](fmt.Sprintf("all JSON parsing strategies failed: %v", firstErr), text, options.Context)
}

// ParseWithValidation parses text and then applies validate to the result.
// A validation error turns the result into a failure.
func ParseWithValidation[T any](text string, validate func(*T) error, opts ...ParseOptions) ParseResult[T] {
	result := Parse[T](text, opts...)
	if !result.Success {
		return result
	}
	if err := validate(&result.Data); err != nil {
		var context string
		if len(opts) > 0 {
			context = opts[0].Context
		}
		return parseFailure[T]("validation failed: "+err.Error(), text, context)
	}
	return result
}

// removeCodeFences strips markdown code fences from text
func removeCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "`"), "`")
	}
	return strings.TrimSpace(cleaned)
}

// cleanupJSON removes trailing commas and comment lines. Single quotes are
// left alone since answers routinely contain apostrophes.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls the outermost object or array out of mixed content.
// The first JSON-like character decides which kind is tried first.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return ""
	}
	if text[start] == '[' {
		if match := arrayRegex.FindString(text); match != "" {
			return match
		}
	}
	if match := objectRegex.FindString(text); match != "" {
		return match
	}
	return arrayRegex.FindString(text)
}

func parseFailure[T any](message, text, context string) ParseResult[T] {
	var zero T
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{Success: false, Data: zero, Error: message, OriginalText: text}
}

// truncate truncates a string to maxLen bytes
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
