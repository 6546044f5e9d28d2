package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/registry"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().Bool("remove", false, "remove the installed model instead of pulling it")
}

// ─── status ─────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the image description model status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	st, err := d.Service.Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Feature:  %s\n", d.Config.Feature.Name)
	fmt.Fprintf(out, "Backend:  %s\n", d.Backend.Name())
	fmt.Fprintf(out, "Status:   %s\n", st)

	models, err := d.Registry.List()
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tPULLED\tLAST USED")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, domain.HumanSize(m.SizeBytes),
			m.PulledAt.Format(time.DateTime), m.LastUsed.Format(time.DateTime))
	}
	return tw.Flush()
}

// ─── pull ───────────────────────────────────────────────────────────────────

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download (or remove) the image description model",
	Long: `Download every layer of the configured feature into the model store,
verifying digests. With --remove, delete the installed model.`,
	RunE: runPull,
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	remove, _ := cmd.Flags().GetBool("remove")

	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	out := cmd.OutOrStdout()
	name := d.Config.Feature.Name

	if remove {
		if err := d.Registry.Remove(name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %s\n", name)
		return nil
	}
	if !d.Backend.Local() {
		fmt.Fprintf(out, "Backend %s runs remotely; nothing to download.\n", d.Backend.Name())
		return nil
	}

	var total, last atomic.Int64
	progress := registry.ProgressFunc{
		Started: func(n int64) {
			total.Store(n)
			if n > 0 {
				fmt.Fprintf(out, "Pulling %s (%s)\n", name, domain.HumanSize(n))
			} else {
				fmt.Fprintf(out, "Pulling %s\n", name)
			}
		},
		Progress: func(n int64) {
			// Redraw at most every 1%.
			t := total.Load()
			if t > 0 && n-last.Load() < t/100 && n != t {
				return
			}
			last.Store(n)
			if t > 0 {
				fmt.Fprintf(out, "\r  %s / %s (%.0f%%)", domain.HumanSize(n), domain.HumanSize(t), 100*float64(n)/float64(t))
			} else {
				fmt.Fprintf(out, "\r  %s", domain.HumanSize(n))
			}
		},
	}

	err = d.Registry.Pull(ctx, d.Config.FeatureSpec(), progress)
	if last.Load() > 0 {
		fmt.Fprintln(out)
	}
	if errors.Is(err, domain.ErrStorageFull) {
		return fmt.Errorf("%w (raise [models].max_storage)", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is ready\n", name)
	return nil
}
