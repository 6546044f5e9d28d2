package cli

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gennino/gennino/internal/app/describe"
	"github.com/gennino/gennino/internal/domain"
)

// setupHome points GENNINO_HOME at a temp dir whose config installs the
// feature from local files.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GENNINO_HOME", home)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	src := t.TempDir()
	weights := filepath.Join(src, "w.gguf")
	proj := filepath.Join(src, "p.gguf")
	os.WriteFile(weights, []byte("weights-bytes"), 0o644)
	os.WriteFile(proj, []byte("projector"), 0o644)

	cfg := fmt.Sprintf(`
[feature]
name = "image-describer"

[[feature.layers]]
url = "file://%s"
media_type = %q

[[feature.layers]]
url = "file://%s"
media_type = %q
`, weights, domain.MediaTypeWeights, proj, domain.MediaTypeProjector)
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath = ""
	return home
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	pullCmd.Flags().Set("remove", "false")
	describeCmd.Flags().Set("quiet", "false")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "gennino ") {
		t.Errorf("version output = %q", out)
	}
}

func TestPullStatusRemove(t *testing.T) {
	setupHome(t)

	out, err := run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Status:   downloadable") {
		t.Errorf("status before pull:\n%s", out)
	}

	out, err = run(t, "pull")
	if err != nil {
		t.Fatalf("pull: %v\n%s", err, out)
	}
	if !strings.Contains(out, "image-describer is ready") {
		t.Errorf("pull output:\n%s", out)
	}

	out, _ = run(t, "status")
	if !strings.Contains(out, "Status:   available") || !strings.Contains(out, "image-describer") {
		t.Errorf("status after pull:\n%s", out)
	}

	if _, err := run(t, "pull", "--remove"); err != nil {
		t.Fatalf("pull --remove: %v", err)
	}
	out, _ = run(t, "status")
	if !strings.Contains(out, "Status:   downloadable") {
		t.Errorf("status after remove:\n%s", out)
	}
}

func TestHistoryEmpty(t *testing.T) {
	setupHome(t)
	out, err := run(t, "history")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No attempts recorded.") {
		t.Errorf("history output = %q", out)
	}
}

func TestDescribe_BadImage(t *testing.T) {
	setupHome(t)
	txt := filepath.Join(t.TempDir(), "note.txt")
	os.WriteFile(txt, []byte("not an image at all"), 0o644)

	_, err := run(t, "describe", txt)
	if !domain.IsNoImage(err) {
		t.Errorf("describe error = %v, want an image error", err)
	}
}

func TestPrinter(t *testing.T) {
	var out, errOut bytes.Buffer
	p := &printer{out: &out, errOut: &errOut}
	p.Notify(domain.Notice{Kind: domain.NoticeFragment, Text: "A red"})
	p.Notify(domain.Notice{Kind: domain.NoticeFragment, Text: " apple"})
	p.Notify(domain.Notice{Kind: domain.NoticeDone, Text: "A red apple"})
	p.Notify(domain.Notice{Kind: domain.NoticeError, Text: "Download failed: boom"})

	if out.String() != "A red apple\n" {
		t.Errorf("out = %q", out.String())
	}
	if errOut.String() != "Download failed: boom\n" {
		t.Errorf("errOut = %q", errOut.String())
	}

	out.Reset()
	q := &printer{out: &out, errOut: &errOut, quiet: true}
	q.Notify(domain.Notice{Kind: domain.NoticeFragment, Text: "x"})
	q.Notify(domain.Notice{Kind: domain.NoticeDone, Text: "final"})
	if out.String() != "final\n" {
		t.Errorf("quiet out = %q", out.String())
	}
}

func TestConsoleExec(t *testing.T) {
	setupHome(t)
	d, err := openDaemon(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	var out bytes.Buffer
	c := &console{d: d, out: &out, sess: describe.NewSession("console", nil)}
	ctx := context.Background()

	imgPath := filepath.Join(t.TempDir(), "a.png")
	f, _ := os.Create(imgPath)
	png.Encode(f, image.NewRGBA(image.Rect(0, 0, 3, 2)))
	f.Close()

	if !c.exec(ctx, "describe") || !strings.Contains(out.String(), "no image picked yet") {
		t.Errorf("describe without pick: %q", out.String())
	}

	out.Reset()
	c.exec(ctx, imgPath)
	if !strings.Contains(out.String(), "(png, 3x2)") {
		t.Errorf("pick output = %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "open "+filepath.Join(t.TempDir(), "missing.png"))
	if !strings.Contains(out.String(), "cannot use") {
		t.Errorf("bad pick output = %q", out.String())
	}
	if sel, _ := c.sess.Selected(); sel.Locator != imgPath {
		t.Errorf("selection = %q, want previous pick kept", sel.Locator)
	}

	out.Reset()
	c.exec(ctx, "status")
	if !strings.Contains(out.String(), "image-describer (llava): downloadable") {
		t.Errorf("status output = %q", out.String())
	}

	if c.exec(ctx, "quit") {
		t.Error("quit should stop the loop")
	}
}
