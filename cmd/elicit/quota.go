package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elicit-dev/elicit/internal/cost"
)

var quotaCmd = &cobra.Command{
	Use:   "quota [user]",
	Short: "Show instance generation quota and usage",
	Long:  `Display a user's instance quota for the current window and all-time usage.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &appCfg.Quota
		if !cfg.Enabled {
			fmt.Println("Quota enforcement is disabled")
			fmt.Println("Set ELICIT_QUOTA_ENABLED=true to enable it")
			return nil
		}

		userID := resolveUser("")
		if len(args) == 1 {
			userID = args[0]
		}

		tracker, err := newTracker()
		if err != nil {
			return err
		}
		stats := tracker.Stats(userID)

		// Display header
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n", cyan("=== Instance Quota: "+userID+" ==="))
		fmt.Println()

		statusColor := color.New(color.FgGreen)
		statusIcon := "✓"
		if stats.Status == cost.QuotaWarning {
			statusColor = color.New(color.FgYellow)
			statusIcon = "⚠️"
		} else if stats.Status == cost.QuotaExhausted {
			statusColor = color.New(color.FgRed, color.Bold)
			statusIcon = "🚨"
		}
		fmt.Printf("%s Quota Status: %s\n", statusIcon, statusColor.Sprint(stats.Status.String()))
		fmt.Println()

		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s\n", yellow("Current Window:"))
		if stats.Limit > 0 {
			percent := float64(stats.Used) / float64(stats.Limit) * 100
			fmt.Printf("  Instances: %d / %d (%.1f%%)\n", stats.Used, stats.Limit, percent)
			fmt.Printf("             %s\n", renderProgressBar(percent, 40))
			fmt.Printf("  Remaining: %d\n", stats.Remaining)
		} else {
			fmt.Printf("  Instances: %d (unlimited)\n", stats.Used)
		}
		if stats.Reserved > 0 {
			fmt.Printf("  Reserved:  %d (generation in progress)\n", stats.Reserved)
		}
		if !stats.WindowStart.IsZero() {
			fmt.Printf("  Window:    %s → %s\n",
				stats.WindowStart.Format("2006-01-02 15:04"),
				stats.WindowStart.Add(cfg.WindowInterval).Format("2006-01-02 15:04"))
			fmt.Printf("  Resets in: %s\n", stats.TimeToReset.Round(time.Minute))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("All-Time Usage:"))
		fmt.Printf("  Instances: %d\n", stats.TotalUsed)
		fmt.Println()

		fmt.Printf("%s\n", yellow("Configuration:"))
		fmt.Printf("  Alert Threshold:    %.0f%%\n", cfg.AlertThreshold*100)
		fmt.Printf("  Window:             %v\n", cfg.WindowInterval)
		if cfg.GenerationsPerMinute > 0 {
			fmt.Printf("  Generation Rate:    %.1f/min\n", cfg.GenerationsPerMinute)
		} else {
			fmt.Printf("  Generation Rate:    unlimited\n")
		}
		fmt.Printf("  State Persistence:  %s\n", cfg.PersistStatePath)
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quotaCmd)
}

// renderProgressBar renders a text-based progress bar
func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(percent / 100.0 * float64(width))
	bar := ""

	// Choose color based on percentage
	var barColor *color.Color
	if percent >= 100 {
		barColor = color.New(color.FgRed, color.Bold)
	} else if percent >= 80 {
		barColor = color.New(color.FgYellow)
	} else {
		barColor = color.New(color.FgGreen)
	}

	for i := 0; i < width; i++ {
		if i < filled {
			bar += barColor.Sprint("█")
		} else {
			bar += color.New(color.FgHiBlack).Sprint("░")
		}
	}

	return fmt.Sprintf("[%s]", bar)
}
