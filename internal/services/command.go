package services

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/resilience"
)

// Command runs an external tool for one artifact. Argv elements may contain
// placeholders such as {source} or {output}, filled in per call.
type Command struct {
	Argv        []string
	OutDir      string
	Ext         string
	ContentType string
}

func (c Command) expand(vars map[string]string) []string {
	out := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out[i] = a
	}
	return out
}

func (c Command) run(ctx context.Context, vars map[string]string) error {
	if len(c.Argv) == 0 {
		return resilience.Permanent(errors.New("command not configured"))
	}
	argv := c.expand(vars)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return resilience.Permanent(errors.Wrapf(err, "run %s", argv[0]))
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "run %s", argv[0])
	}
	// Browsers and encoders crash intermittently; a non-zero exit is retried.
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return resilience.Transient(errors.Wrapf(err, "run %s: %s", argv[0], msg))
}

func (c Command) output(name string) string {
	return filepath.Join(c.OutDir, name+c.Ext)
}

// CommandRenderer captures a source with a headless-browser command line.
type CommandRenderer struct{ Command }

func (r CommandRenderer) Capture(ctx context.Context, req CaptureRequest) (Artifact, error) {
	out := r.output(req.RenderID)
	err := r.run(ctx, map[string]string{"source": req.Source, "output": out, "format": req.Format})
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: out, ContentType: r.ContentType}, nil
}

// CommandEncoder transcodes an artifact, for example with ffmpeg.
type CommandEncoder struct{ Command }

func (e CommandEncoder) Encode(ctx context.Context, in Artifact) (Artifact, error) {
	base := strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))
	out := e.output(base + ".enc")
	if err := e.run(ctx, map[string]string{"input": in.Path, "output": out}); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: out, ContentType: e.ContentType}, nil
}
