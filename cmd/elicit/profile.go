package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elicit-dev/elicit/internal/compaction"
)

var profileCmd = &cobra.Command{
	Use:   "profile [user]",
	Short: "Show a user's durable profile and datasets",
	Long: `Display what has been learned about a user across interviews: skills,
workflows, a preview of the accumulated context, and the datasets generated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := resolveUser("")
		if len(args) == 1 {
			userID = args[0]
		}

		profile, err := store.LoadProfile(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		datasets, err := store.ListDatasets(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to list datasets: %w", err)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Profile: "+userID+" ==="))
		if profile.GlobalContext == "" && profile.ExtractedSkills.Len() == 0 && len(datasets) == 0 {
			fmt.Printf("  %s\n\n", gray("No profile yet. Run 'elicit interview' to start one."))
			return nil
		}

		fmt.Printf("%s\n", yellow("Skills:"))
		printList(profile.ExtractedSkills.Sorted())
		fmt.Printf("%s\n", yellow("Workflows:"))
		printList(profile.IdentifiedWorkflows.Sorted())

		fmt.Printf("%s\n", yellow("Context:"))
		if profile.GlobalContext == "" {
			fmt.Printf("  %s\n", gray("(empty)"))
		} else {
			preview := compaction.TruncateWords(profile.GlobalContext, 400)
			for _, line := range strings.Split(preview, "\n") {
				fmt.Printf("  %s\n", line)
			}
			fmt.Printf("  %s\n", gray(fmt.Sprintf("(%d characters)", len([]rune(profile.GlobalContext)))))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Datasets:"))
		if len(datasets) == 0 {
			fmt.Printf("  %s\n", gray("none"))
		}
		for _, ds := range datasets {
			fmt.Printf("  %s  %s  session %s\n", color.GreenString(ds.ID), ds.CreatedAt.Format("2006-01-02 15:04"), gray(ds.SessionID))
		}
		fmt.Println()
		return nil
	},
}

func printList(items []string) {
	if len(items) == 0 {
		fmt.Printf("  %s\n", color.HiBlackString("none"))
		return
	}
	fmt.Printf("  %s\n", strings.Join(items, ", "))
}

func init() {
	rootCmd.AddCommand(profileCmd)
}
