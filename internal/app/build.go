// Package app wires configuration into running components: the ledger, the
// publish pipeline with its collaborators, and the daemon that schedules
// them.
package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"reelbot/internal/caption"
	"reelbot/internal/config"
	"reelbot/internal/discovery"
	"reelbot/internal/eventbus"
	"reelbot/internal/ledger"
	"reelbot/internal/media"
	"reelbot/internal/pipeline"
	"reelbot/internal/publish"
	logx "reelbot/pkg/logx"
)

// Secrets come from the environment, never from the config file.
const (
	EnvBotToken  = "REELBOT_BOT_TOKEN"
	EnvLLMAPIKey = "REELBOT_LLM_API_KEY"
)

// OpenLedger opens the publication ledger described by cfg.
func OpenLedger(cfg *config.Config, log logx.Logger) (*ledger.Store, error) {
	busy, err := config.ParseDurationField("ledger.busy_timeout", cfg.Ledger.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return ledger.Open(ledger.Config{
		Path:        cfg.Ledger.Path,
		BusyTimeout: busy,
		Location:    cfg.Location(),
	}, log.With(logx.String("component", "ledger")))
}

// BuildRunner assembles the pipeline runner with all collaborator adapters.
func BuildRunner(cfg *config.Config, store *ledger.Store, bus eventbus.Bus, log logx.Logger) (*pipeline.Runner, error) {
	pub, err := buildPublisher(cfg, log)
	if err != nil {
		return nil, err
	}
	primary, fallback, err := buildCaptioners(cfg)
	if err != nil {
		return nil, err
	}

	minDur := time.Duration(cfg.Discovery.MinDurationSec) * time.Second
	maxDur := time.Duration(cfg.Discovery.MaxDurationSec) * time.Second
	workDir := cfg.Discovery.WorkDir
	if workDir == "" {
		workDir = cfg.Media.WorkDir
	}
	disc := discovery.New(discovery.Config{
		Feeds:         cfg.Discovery.Feeds,
		MinDuration:   minDur,
		MaxDuration:   maxDur,
		MinPopularity: cfg.Discovery.MinPopularity,
		WorkDir:       workDir,
	}, log.With(logx.String("component", "discovery")))

	var transformer pipeline.Transformer = media.Passthrough{}
	if cfg.Media.Enabled {
		transformer = media.NewTransformer(media.Config{
			FFmpeg:  cfg.Media.FFmpeg,
			WorkDir: cfg.Media.WorkDir,
			Width:   cfg.Media.Width,
			Height:  cfg.Media.Height,
			FPS:     cfg.Media.FPS,
		}, log.With(logx.String("component", "media")))
	}

	maxCandidates := cfg.Content.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = config.DefaultMaxCandidates
	}
	return pipeline.NewRunner(pipeline.Config{
		Discovery:     disc,
		Transformer:   transformer,
		Captioner:     primary,
		Fallback:      fallback,
		Publisher:     pub,
		Ledger:        store,
		Bus:           bus,
		Log:           log.With(logx.String("component", "pipeline")),
		Keywords:      cfg.Content.Keywords,
		Category:      cfg.Content.Category,
		MaxCandidates: maxCandidates,
	})
}

func buildPublisher(cfg *config.Config, log logx.Logger) (pipeline.Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Publisher.Platform)) {
	case "telegram":
		token := os.Getenv(EnvBotToken)
		if token == "" {
			return nil, fmt.Errorf("app: %s is not set", EnvBotToken)
		}
		return publish.NewTelegram(publish.Config{
			Token:      token,
			ChatID:     cfg.Publisher.ChatID,
			RatePerSec: cfg.Publisher.RatePerSec,
		}, log.With(logx.String("component", "publish")))
	case "", "none":
		return nil, fmt.Errorf("app: publisher.platform %q cannot publish; configure \"telegram\"", cfg.Publisher.Platform)
	default:
		return nil, fmt.Errorf("app: unknown publisher.platform %q", cfg.Publisher.Platform)
	}
}

// buildCaptioners returns the configured provider plus the deterministic
// template fallback the pipeline degrades to.
func buildCaptioners(cfg *config.Config) (primary, fallback pipeline.Captioner, err error) {
	capCfg := caption.Config{
		Style:        cfg.Caption.Style,
		Category:     cfg.Content.Category,
		HashtagCount: cfg.Caption.HashtagCount,
		CustomTags:   cfg.Caption.CustomTags,
		CallToAction: cfg.Caption.CallToAction,
	}
	tmpl := caption.NewTemplate(capCfg)

	switch strings.ToLower(strings.TrimSpace(cfg.Caption.Provider)) {
	case "", "template":
		return tmpl, nil, nil
	case "llm":
		timeout, derr := config.ParseDurationField("caption.llm.timeout", cfg.Caption.LLM.Timeout)
		if derr != nil {
			return nil, nil, derr
		}
		llm, lerr := caption.NewLLM(capCfg, caption.LLMConfig{
			BaseURL:   cfg.Caption.LLM.BaseURL,
			APIKey:    os.Getenv(EnvLLMAPIKey),
			Model:     cfg.Caption.LLM.Model,
			MaxTokens: cfg.Caption.LLM.MaxTokens,
			Timeout:   timeout,
		})
		if lerr != nil {
			return nil, nil, lerr
		}
		return llm, tmpl, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown caption.provider %q", cfg.Caption.Provider)
	}
}
