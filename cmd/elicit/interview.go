package main

import (
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/elicit-dev/elicit/internal/repl"
)

var (
	interviewUser string
	interviewTab  string
)

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Run an interview in the terminal",
	Long: `Run an interactive interview in the terminal.

Answer each question in your own words. The interview ends once enough has
been collected, or after the turn limit, and the generated instances are
printed and stored. Skills and context carry over to later interviews.

Type '/help' in the interview for available commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		unlock, err := lockDataDir("elicit interview")
		if err != nil {
			return err
		}
		defer unlock()

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}

		r, err := repl.New(&repl.Config{
			Service: a.service,
			UserID:  resolveUser(interviewUser),
			TabID:   interviewTab,
		})
		if err != nil {
			return err
		}
		return r.Run(cmd.Context())
	},
}

// resolveUser falls back to $ELICIT_USER, then the OS account name
func resolveUser(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("ELICIT_USER"); env != "" {
		return env
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

func init() {
	interviewCmd.Flags().StringVarP(&interviewUser, "user", "u", "", "User to interview (default: $ELICIT_USER or the OS user)")
	interviewCmd.Flags().StringVar(&interviewTab, "tab", "terminal", "Tab identifier; separate tabs run independent interviews")
	rootCmd.AddCommand(interviewCmd)
}
