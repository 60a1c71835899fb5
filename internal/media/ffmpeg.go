// Package media converts acquired clips into the vertical short-video
// format the publisher expects. The heavy lifting is delegated to ffmpeg.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"reelbot/internal/pipeline"
	logx "reelbot/pkg/logx"
)

// Config tunes the transform stage.
type Config struct {
	FFmpeg  string // binary name or path, default "ffmpeg"
	WorkDir string // output dir, default alongside the input
	Width   int    // default 1080
	Height  int    // default 1920
	FPS     int    // default 30
}

// Transformer crops and scales a clip to the target portrait resolution.
type Transformer struct {
	cfg Config
	log logx.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewTransformer(cfg Config, log logx.Logger) *Transformer {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.Width <= 0 {
		cfg.Width = 1080
	}
	if cfg.Height <= 0 {
		cfg.Height = 1920
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transformer{
		cfg: cfg,
		log: log,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec
		},
	}
}

// Process re-encodes the asset to the configured portrait geometry. The
// input file is left in place for the pipeline's cleanup pass.
func (t *Transformer) Process(ctx context.Context, a pipeline.Asset) (pipeline.Asset, error) {
	if a.Path == "" {
		return pipeline.Asset{}, fmt.Errorf("media: empty asset path")
	}

	outDir := t.cfg.WorkDir
	if outDir == "" {
		outDir = filepath.Dir(a.Path)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return pipeline.Asset{}, fmt.Errorf("media: work dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(a.Path), filepath.Ext(a.Path))
	out := filepath.Join(outDir, base+"-reel.mp4")

	// Scale to cover the portrait frame, then center-crop the overflow.
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,fps=%d",
		t.cfg.Width, t.cfg.Height, t.cfg.Width, t.cfg.Height, t.cfg.FPS,
	)
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", a.Path,
		"-vf", vf,
		"-c:v", "libx264",
		"-preset", "fast",
		"-c:a", "aac",
		"-movflags", "+faststart",
		out,
	}

	t.log.Debug("transforming clip",
		logx.String("input", a.Path),
		logx.String("output", out))
	if output, err := t.runCommand(ctx, t.cfg.FFmpeg, args...); err != nil {
		return pipeline.Asset{}, fmt.Errorf("media: ffmpeg: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return pipeline.Asset{Path: out, MIME: "video/mp4"}, nil
}

// Passthrough returns assets unchanged. Used when media processing is
// disabled in config.
type Passthrough struct{}

func (Passthrough) Process(_ context.Context, a pipeline.Asset) (pipeline.Asset, error) {
	return a, nil
}
