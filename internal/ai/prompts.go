package ai

import (
	"fmt"
	"strings"

	"github.com/elicit-dev/elicit/internal/types"
)

// QuestionPromptInput is what the next interview question is conditioned on
type QuestionPromptInput struct {
	GlobalContext string
	RecentTurns   []types.ConversationTurn
	Skills        []string
	Workflows     []string
	TurnNumber    int
	MaxTurns      int
}

// BuildQuestionPrompt builds the prompt for the next interview question
func BuildQuestionPrompt(in QuestionPromptInput) string {
	var b strings.Builder

	b.WriteString(`You are an expert interviewer eliciting professional knowledge from a practitioner.
Your goal is to uncover the concrete skills, tools, workflows and real examples from their work,
so that their expertise can later be turned into question/answer training records.

`)

	if strings.TrimSpace(in.GlobalContext) != "" {
		fmt.Fprintf(&b, "What we know about this person so far:\n%s\n\n", in.GlobalContext)
	}

	if len(in.Skills) > 0 {
		fmt.Fprintf(&b, "Skills already identified: %s\n", strings.Join(in.Skills, ", "))
	}
	if len(in.Workflows) > 0 {
		fmt.Fprintf(&b, "Workflows already identified: %s\n", strings.Join(in.Workflows, ", "))
	}

	if len(in.RecentTurns) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, turn := range in.RecentTurns {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", turn.Question, turn.Answer)
		}
	}

	fmt.Fprintf(&b, `
This is question %d of at most %d.

Ask exactly ONE follow-up question. Prefer questions that:
- dig into a specific workflow step by step
- ask for a concrete example, failure, or trade-off
- explore a skill or tool that has not been covered yet
Do not repeat a question that was already asked.

Respond with the question text only, no preamble.`, in.TurnNumber, in.MaxTurns)

	return b.String()
}

// OpeningQuestion is used when there is no history and no profile to condition on
const OpeningQuestion = "To start, could you describe your current role and walk me through what a typical work week looks like for you?"

// ExtractionPromptInput is what instance generation is conditioned on
type ExtractionPromptInput struct {
	GlobalContext string
	Turns         []types.ConversationTurn
	Skills        []string
	Workflows     []string
	MaxInstances  int
}

// BuildExtractionPrompt builds the structured-extraction prompt used once the
// interview is saturated
func BuildExtractionPrompt(in ExtractionPromptInput) string {
	var b strings.Builder

	b.WriteString(`You are converting an expert interview into structured training records.

`)
	if strings.TrimSpace(in.GlobalContext) != "" {
		fmt.Fprintf(&b, "Background summary:\n%s\n\n", in.GlobalContext)
	}
	if len(in.Skills) > 0 {
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(in.Skills, ", "))
	}
	if len(in.Workflows) > 0 {
		fmt.Fprintf(&b, "Workflows: %s\n", strings.Join(in.Workflows, ", "))
	}

	b.WriteString("\nInterview transcript:\n")
	for i, turn := range in.Turns {
		fmt.Fprintf(&b, "[%d] Q: %s\n    A: %s\n", i+1, turn.Question, turn.Answer)
	}

	fmt.Fprintf(&b, `
Produce up to %d question/answer records that capture this person's expertise.
Each record must:
- have a self-contained question a learner might ask
- have a detailed answer grounded ONLY in what the interviewee said
- carry at least one tag and a category

Respond with ONLY valid JSON, no markdown fences, in exactly this shape:
{
  "instances": [
    {"question": "...", "answer": "...", "tags": ["..."], "category": "..."}
  ]
}`, in.MaxInstances)

	return b.String()
}

// BuildCompactionPrompt builds the prompt that shrinks the running summary
func BuildCompactionPrompt(globalContext string, targetLength int) string {
	return fmt.Sprintf(`You are compressing the running summary of an expert interview.

Rewrite the summary below in at most %d characters.
You MUST preserve every mentioned skill, tool, technology, workflow and concrete example.
Drop repetition, filler and conversational phrasing. Do not add anything that is not in the summary.

Summary:
%s

Respond with the compressed summary only.`, targetLength, globalContext)
}
