package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/gennino/gennino/internal/app/describe"
	"github.com/gennino/gennino/internal/domain"
)

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().BoolP("quiet", "q", false, "print only the final description")
}

var describeCmd = &cobra.Command{
	Use:   "describe IMAGE",
	Short: "Describe one image",
	Long: `Describe an image given as a file path, file:// or http(s) URL, or data URI.
The model is downloaded first when it is not installed yet. Fragments are
printed as they are generated.`,
	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	quiet, _ := cmd.Flags().GetBool("quiet")

	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	sess := describe.NewSession("cli", &printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), quiet: quiet})
	if _, picked := sess.Select(args[0]); !picked {
		return domain.ErrNoImage
	}
	_, err = d.Service.DescribeSelection(ctx, sess)
	if domain.IsNoImage(err) {
		return fmt.Errorf("cannot use %s: %w", args[0], err)
	}
	return err
}

// printer writes notices to a terminal: fragments inline, the final text
// on its own line when quiet.
type printer struct {
	out    io.Writer
	errOut io.Writer
	quiet  bool
	inline bool
}

func (p *printer) Notify(n domain.Notice) {
	switch n.Kind {
	case domain.NoticeFragment:
		if !p.quiet {
			fmt.Fprint(p.out, n.Text)
			p.inline = true
		}
	case domain.NoticeDone:
		if p.quiet {
			fmt.Fprintln(p.out, n.Text)
			return
		}
		if p.inline {
			fmt.Fprintln(p.out)
			p.inline = false
		}
	default:
		if p.inline {
			fmt.Fprintln(p.out)
			p.inline = false
		}
		fmt.Fprintln(p.errOut, n.Text)
	}
}
