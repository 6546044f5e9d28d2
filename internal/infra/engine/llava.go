package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/gennino/gennino/internal/domain"
	"github.com/gennino/gennino/internal/infra/media"
	"github.com/gennino/gennino/internal/infra/registry"
)

// preambleAnchor ends the runtime's model-loading chatter on stdout.
const preambleAnchor = "per image patch)"

// Llava runs a llava.cpp-compatible CLI as a subprocess. Runs are
// serialized: commodity hardware rarely fits two vision models in memory.
type Llava struct {
	Binary    string
	Threads   int
	ExtraArgs []string
	TempDir   string

	mu sync.Mutex
}

// NewLlava creates a backend that executes binary.
func NewLlava(binary string, threads int, extra []string) *Llava {
	return &Llava{Binary: binary, Threads: threads, ExtraArgs: extra}
}

func (l *Llava) Name() string { return "llava" }
func (l *Llava) Local() bool  { return true }

// Generate writes the image to a temp JPEG, runs the runtime and streams its
// stdout to onPartial with the loading preamble removed.
func (l *Llava) Generate(ctx context.Context, b registry.Bundle, req domain.DescriptionRequest, onPartial func(string)) error {
	if b.Weights == "" {
		return domain.ErrFeatureNotReady
	}
	data, err := media.EncodeJPEG(req.Image, 92)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(l.TempDir, "gennino-*.jpg")
	if err != nil {
		return fmt.Errorf("temp image: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("temp image: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cmd := exec.CommandContext(ctx, l.Binary, l.args(b, tmp.Name(), req)...)
	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", l.Binary, err)
	}

	f := &preambleFilter{emit: onPartial}
	buf := make([]byte, 4096)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			f.Write(string(buf[:n]))
		}
		if rerr != nil {
			break // io.EOF or a closed pipe; Wait reports the exit status
		}
	}
	f.Flush()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		log.Printf("[llava] runtime exited: %v", err)
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", l.Binary, err, lastLine(msg))
		}
		return fmt.Errorf("%s: %w", l.Binary, err)
	}
	return nil
}

func (l *Llava) args(b registry.Bundle, imagePath string, req domain.DescriptionRequest) []string {
	args := []string{"-m", b.Weights}
	if b.Projector != "" {
		args = append(args, "--mmproj", b.Projector)
	}
	args = append(args,
		"--image", imagePath,
		"--temp", strconv.FormatFloat(float64(req.Temperature), 'f', -1, 32),
		"-p", req.Prompt,
	)
	if l.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(l.Threads))
	}
	return append(args, l.ExtraArgs...)
}

// ─── Output filtering ───────────────────────────────────────────────────────

// preambleFilter holds output back until the preamble anchor is seen, then
// passes everything after it through. Output without an anchor is released
// whole on Flush.
type preambleFilter struct {
	emit    func(string)
	pending strings.Builder
	passing bool
	started bool
}

func (f *preambleFilter) Write(s string) {
	if f.passing {
		f.send(s)
		return
	}
	f.pending.WriteString(s)
	held := f.pending.String()
	if i := strings.Index(held, preambleAnchor); i >= 0 {
		f.passing = true
		f.pending.Reset()
		f.send(held[i+len(preambleAnchor):])
	}
}

func (f *preambleFilter) Flush() {
	if !f.passing && f.pending.Len() > 0 {
		f.send(f.pending.String())
		f.pending.Reset()
	}
}

func (f *preambleFilter) send(s string) {
	if !f.started {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return
		}
		f.started = true
	}
	if s != "" {
		f.emit(s)
	}
}

// tailBuffer keeps the last 4 KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - 4096; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
