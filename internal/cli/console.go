package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/gennino/gennino/internal/app/describe"
	"github.com/gennino/gennino/internal/daemon"
	"github.com/gennino/gennino/internal/domain"
)

func init() {
	rootCmd.AddCommand(consoleCmd)
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Pick and describe images interactively",
	Long: `Open an interactive prompt. Type an image path or URL to pick it, then
'describe' (or an empty line) to get its description. The previous pick stays
selected until another one succeeds.

Commands: open IMAGE, describe, status, help, quit`,
	RunE: runConsole,
}

const consoleHelp = `  IMAGE | open IMAGE   pick an image (path, URL or data URI)
  describe | <enter>   Get Image Description for the current pick
  status               show the model status
  quit                 leave`

func runConsole(cmd *cobra.Command, args []string) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gennino> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          cmd.OutOrStdout(),
		Stderr:          cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	c := &console{
		d:    d,
		out:  rl.Stdout(),
		sess: describe.NewSession("console", &printer{out: rl.Stdout(), errOut: rl.Stderr()}),
	}

	// Warm the model while the user picks, as the app does on launch.
	go func() {
		if _, err := d.Service.Warmup(ctx, nil); err != nil {
			fmt.Fprintf(rl.Stderr(), "warmup: %v\n", err)
		}
	}()

	fmt.Fprintln(c.out, "Type an image path or URL, then press enter on an empty line to describe it. 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil { // io.EOF
			return nil
		}
		if !c.exec(ctx, strings.TrimSpace(line)) {
			return nil
		}
	}
}

type console struct {
	d    *daemon.Daemon
	out  io.Writer
	sess *describe.Session
}

// exec runs one console line and reports whether to keep going.
func (c *console) exec(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return false
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "status":
		st, err := c.d.Service.Status(ctx)
		if err != nil {
			fmt.Fprintf(c.out, "status: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "%s (%s): %s\n", c.d.Config.Feature.Name, c.d.Backend.Name(), st)
	case "", "describe":
		c.describe(ctx)
	case "open", "pick":
		c.pick(ctx, arg)
	default:
		c.pick(ctx, line)
	}
	return true
}

// pick previews locator and selects it when it decodes.
func (c *console) pick(ctx context.Context, locator string) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		fmt.Fprintln(c.out, "pick cancelled")
		return
	}
	img, err := c.d.Service.Load(ctx, locator)
	if err != nil {
		fmt.Fprintf(c.out, "cannot use %s: %v\n", locator, err)
		return
	}
	c.sess.Select(locator)
	fmt.Fprintf(c.out, "picked %s (%s, %dx%d). Press enter to Get Image Description.\n", locator, img.Format, img.Width, img.Height)
}

func (c *console) describe(ctx context.Context) {
	if _, ok := c.sess.Selected(); !ok {
		fmt.Fprintln(c.out, "no image picked yet")
		return
	}
	_, err := c.d.Service.DescribeSelection(ctx, c.sess)
	if domain.IsNoImage(err) {
		fmt.Fprintf(c.out, "cannot read the picked image: %v\n", err)
	}
}
