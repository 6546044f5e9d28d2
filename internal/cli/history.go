package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gennino/gennino/internal/api"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "number of attempts to show")
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent description attempts",
	Long:  `List recent description attempts, newest first. Descriptions themselves are never stored.`,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	attempts, err := d.Attempts.RecentAttempts(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(attempts) == 0 {
		fmt.Fprintln(out, "No attempts recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSESSION\tBACKEND\tPATH\tOUTCOME\tDURATION\tERROR")
	for _, a := range attempts {
		path := string(a.Path)
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.StartedAt.Local().Format(time.DateTime), a.SessionID, a.Backend, path,
			a.Outcome, a.Duration.Round(time.Millisecond), a.Error)
	}
	return tw.Flush()
}

// ─── version ────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gennino version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gennino %s\n", api.Version)
	},
}
