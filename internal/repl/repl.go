package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/elicit-dev/elicit/internal/interview"
	"github.com/elicit-dev/elicit/internal/types"
	"github.com/elicit-dev/elicit/internal/workflow"
)

// REPL runs one interview in the terminal. Plain lines are answers; lines
// starting with "/" are commands.
type REPL struct {
	svc       *interview.Service
	userID    string
	tabID     string
	sessionID string
	out       io.Writer
	rl        *readline.Instance
	commands  map[string]CommandHandler
	done      bool
}

// CommandHandler handles a specific command
type CommandHandler func(ctx context.Context, args []string) error

// Config holds REPL configuration
type Config struct {
	Service *interview.Service
	UserID  string
	TabID   string
	// Out defaults to stdout
	Out io.Writer
}

// errExit ends the loop
var errExit = errors.New("exit")

// New creates a new REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("interview service is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("user is required")
	}

	tabID := cfg.TabID
	if tabID == "" {
		tabID = "terminal"
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	r := &REPL{
		svc:      cfg.Service,
		userID:   cfg.UserID,
		tabID:    tabID,
		out:      out,
		commands: make(map[string]CommandHandler),
	}

	// Register built-in commands
	r.registerCommands()

	return r, nil
}

// Run starts the interview and the input loop. The session is flushed to the
// durable profile when the loop ends.
func (r *REPL) Run(ctx context.Context) error {
	cyan := color.New(color.FgCyan).SprintFunc()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("you> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	if err := r.start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.svc.CloseSession(context.WithoutCancel(ctx), r.userID, r.tabID); err != nil {
			fmt.Fprintf(r.out, "%s failed to save profile: %v\n", color.RedString("Error:"), err)
		}
	}()

	// Main loop
	for !r.done {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				// Ctrl+C - just show prompt again
				continue
			} else if err == io.EOF {
				// Ctrl+D - exit
				fmt.Fprintln(r.out, "\nGoodbye!")
				return nil
			}
			return err
		}

		if err := r.processInput(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			r.printError(err)
		}
	}
	return nil
}

// start opens (or rejoins) the session and prints the pending question
func (r *REPL) start(ctx context.Context) error {
	res, err := r.svc.StartSession(ctx, r.userID, r.tabID)
	if err != nil {
		return fmt.Errorf("failed to start interview: %w", err)
	}
	r.sessionID = res.SessionID
	r.printWelcome(res.Created)
	r.printProgress(res.Progress)
	r.printQuestion(res.FirstQuestion)
	return nil
}

// processInput processes a single line of input
func (r *REPL) processInput(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "/") {
		parts := strings.Fields(line)
		handler, ok := r.commands[strings.ToLower(parts[0])]
		if !ok {
			return fmt.Errorf("unknown command %s (try /help)", parts[0])
		}
		return handler(ctx, parts[1:])
	}

	if r.done {
		return fmt.Errorf("the interview is finished")
	}
	return r.answer(ctx, line)
}

func (r *REPL) answer(ctx context.Context, text string) error {
	res, err := r.svc.SubmitAnswer(ctx, r.userID, r.tabID, r.sessionID, text)
	if err != nil {
		return err
	}
	r.showResult(res)
	return nil
}

func (r *REPL) showResult(res *interview.AnswerResult) {
	r.printProgress(res.Progress)
	if !res.IsComplete {
		r.printQuestion(res.NextQuestion)
		return
	}

	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s Generated %d instances (dataset %s)\n\n", green("✓"), len(res.GeneratedInstances), res.DatasetID)
	for i, inst := range res.GeneratedInstances {
		fmt.Fprintf(r.out, "%2d. %s\n    %s\n", i+1, color.CyanString(inst.Question), inst.Answer)
		if len(inst.Tags) > 0 {
			fmt.Fprintf(r.out, "    %s\n", color.HiBlackString(strings.Join(inst.Tags, ", ")))
		}
	}
	fmt.Fprintln(r.out)
	r.done = true
}

// registerCommands registers all built-in commands
func (r *REPL) registerCommands() {
	r.commands["/help"] = r.cmdHelp
	r.commands["/?"] = r.cmdHelp
	r.commands["/status"] = r.cmdStatus
	r.commands["/skills"] = r.cmdSkills
	r.commands["/resume"] = r.cmdResume
	r.commands["/exit"] = r.cmdExit
	r.commands["/quit"] = r.cmdExit
}

// printWelcome prints the welcome message
func (r *REPL) printWelcome(created bool) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n", cyan("elicit interview"))
	if created {
		fmt.Fprintln(r.out, "Answer in your own words. The interview ends on its own once there is enough to work with.")
	} else {
		fmt.Fprintln(r.out, "Rejoining your interview in this tab.")
	}
	fmt.Fprintln(r.out, "Type '/help' for commands, '/exit' to save and quit")
	fmt.Fprintln(r.out)
}

func (r *REPL) printQuestion(q string) {
	if q == "" {
		return
	}
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()
	fmt.Fprintf(r.out, "%s %s\n", yellow("?"), q)
}

func (r *REPL) printProgress(p types.Progress) {
	fmt.Fprintf(r.out, "%s\n", color.HiBlackString("[turn %d/%d, %.0f%%]", p.TurnCount, p.MaxTurns, p.Percent))
}

func (r *REPL) printError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(r.out, "%s %v\n", red("Error:"), err)
	switch {
	case errors.Is(err, types.ErrParse):
		fmt.Fprintln(r.out, "Generation output was unusable. Type '/resume' to try again.")
	case errors.Is(err, types.ErrSessionNotFound):
		fmt.Fprintln(r.out, "This session is gone. Restart the interview.")
		r.done = true
	case types.IsQuotaError(err):
		fmt.Fprintln(r.out, "Generation is over quota. Your answers are kept; try '/resume' later.")
	case workflow.IsRetryable(err):
		fmt.Fprintln(r.out, "Nothing was lost. Send the same answer again.")
	}
}

// cmdHelp shows help information
func (r *REPL) cmdHelp(ctx context.Context, args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Available Commands:"))

	commands := []struct {
		name string
		desc string
	}{
		{"/help, /?", "Show this help message"},
		{"/status", "Show saturation metrics"},
		{"/skills", "Show skills and workflows picked up so far"},
		{"/resume", "Retry a failed generation"},
		{"/exit, /quit", "Save the profile and quit"},
	}
	for _, cmd := range commands {
		fmt.Fprintf(r.out, "  %-14s %s\n", green(cmd.name), cmd.desc)
	}
	fmt.Fprintln(r.out)
	return nil
}

// cmdStatus shows the session's saturation metrics
func (r *REPL) cmdStatus(ctx context.Context, args []string) error {
	snap, err := r.svc.GetStatus(ctx, r.userID, r.tabID)
	if err != nil {
		return err
	}
	m := snap.ThresholdMetrics
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()

	fmt.Fprintf(r.out, "\n%s\n\n", cyan("Interview Status"))
	fmt.Fprintf(r.out, "  State:               %s\n", snap.State)
	fmt.Fprintf(r.out, "  Turns:               %d\n", snap.TurnCount())
	fmt.Fprintf(r.out, "  Conversation depth:  %.2f\n", m.ConversationDepth)
	fmt.Fprintf(r.out, "  Skill diversity:     %.2f\n", m.SkillDiversity)
	fmt.Fprintf(r.out, "  Workflow complexity: %.2f\n", m.WorkflowComplexity)
	fmt.Fprintf(r.out, "  Context richness:    %.2f\n", m.ContextRichness)
	fmt.Fprintf(r.out, "  Overall:             %.2f\n", m.OverallScore)
	if snap.LastError != "" {
		fmt.Fprintf(r.out, "  Last error:          %s\n", color.RedString(snap.LastError))
	}
	fmt.Fprintln(r.out)
	return nil
}

// cmdSkills lists extracted skills and workflows
func (r *REPL) cmdSkills(ctx context.Context, args []string) error {
	snap, err := r.svc.GetStatus(ctx, r.userID, r.tabID)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s %s\n", green("Skills:"), joinOrNone(snap.ExtractedSkills.Sorted()))
	fmt.Fprintf(r.out, "%s %s\n\n", green("Workflows:"), joinOrNone(snap.IdentifiedWorkflows.Sorted()))
	return nil
}

// cmdResume retries the stage a failed session stopped in
func (r *REPL) cmdResume(ctx context.Context, args []string) error {
	res, err := r.svc.Resume(ctx, r.userID, r.tabID)
	if err != nil {
		return err
	}
	r.showResult(res)
	return nil
}

// cmdExit exits the REPL
func (r *REPL) cmdExit(ctx context.Context, args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(r.out, "\n%s Goodbye!\n", green("✓"))
	return errExit // Signal to exit the loop
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none yet)"
	}
	return strings.Join(items, ", ")
}
