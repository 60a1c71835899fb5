package config

// Config is the root of reelbot's YAML configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets never live in this file: the publisher token and the LLM API key
// are read from the environment (REELBOT_BOT_TOKEN, REELBOT_LLM_API_KEY).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Content   ContentConfig   `json:"content"`
	Discovery DiscoveryConfig `json:"discovery"`
	Media     MediaConfig     `json:"media,omitempty"`
	Caption   CaptionConfig   `json:"caption,omitempty"`
	Publisher PublisherConfig `json:"publisher"`
	Ledger    LedgerConfig    `json:"ledger"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScheduleConfig controls the trigger layer.
//
// PostTimes are daily wall-clock times ("HH:MM") in Timezone; every listed
// time fires the same publish job, so overlapping fires coalesce.
type ScheduleConfig struct {
	Enabled   bool     `json:"enabled"`
	Timezone  string   `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
	PostTimes []string `json:"post_times"`

	// MetricsRefresh is the interval between metrics-refresh runs ("1h" default).
	MetricsRefresh string `json:"metrics_refresh,omitempty"`

	// MetricsRecent bounds how many recent records a refresh touches.
	MetricsRecent int `json:"metrics_recent,omitempty"`

	// CycleTimeout caps a single publish cycle ("0s" disables).
	CycleTimeout string `json:"cycle_timeout,omitempty"`

	Optimize OptimizeConfig `json:"optimize,omitempty"`
}

// OptimizeConfig enables the feedback loop: a daily tuner job re-registers
// the publish schedule at the best-performing hours once enough history
// exists. Off by default.
type OptimizeConfig struct {
	Enabled   bool   `json:"enabled"`
	At        string `json:"at,omitempty"`         // HH:MM, default "03:30"
	MinSample int    `json:"min_sample,omitempty"` // default 10
	MaxTimes  int    `json:"max_times,omitempty"`  // default len(post_times)
}

type ContentConfig struct {
	Category string   `json:"category"`
	Keywords []string `json:"keywords"`

	// MaxCandidates caps how many candidates a discovery search returns.
	MaxCandidates int `json:"max_candidates,omitempty"`
}

// DiscoveryConfig configures the feed-backed discovery collaborator.
type DiscoveryConfig struct {
	Feeds []string `json:"feeds"`

	MinDurationSec int `json:"min_duration_sec,omitempty"`
	MaxDurationSec int `json:"max_duration_sec,omitempty"`

	// MinPopularity is a percentage in [0,100]; candidates scoring below it
	// are dropped. 0 keeps everything.
	MinPopularity float64 `json:"min_popularity,omitempty"`

	// WorkDir is where acquired media lands. Defaults to media.work_dir.
	WorkDir string `json:"work_dir,omitempty"`
}

// MediaConfig configures the transform stage. When Enabled is false the
// pipeline uses a passthrough transformer.
type MediaConfig struct {
	Enabled bool   `json:"enabled"`
	FFmpeg  string `json:"ffmpeg,omitempty"` // binary name/path, default "ffmpeg"
	WorkDir string `json:"work_dir,omitempty"`
	Width   int    `json:"width,omitempty"`  // default 1080
	Height  int    `json:"height,omitempty"` // default 1920
	FPS     int    `json:"fps,omitempty"`    // default 30
}

// CaptionConfig selects and tunes the caption provider.
//
// Provider "template" is fully offline and deterministic; "llm" calls a
// chat-completions endpoint and falls back to the template provider on error.
type CaptionConfig struct {
	Provider     string    `json:"provider,omitempty"` // "template" (default) | "llm"
	Style        string    `json:"style,omitempty"`    // inspiring | casual | informative
	HashtagCount int       `json:"hashtag_count,omitempty"`
	CustomTags   []string  `json:"custom_tags,omitempty"`
	CallToAction bool      `json:"call_to_action,omitempty"`
	LLM          LLMConfig `json:"llm,omitempty"`
}

type LLMConfig struct {
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// PublisherConfig configures the publishing platform adapter.
type PublisherConfig struct {
	Platform   string `json:"platform"` // "telegram"
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type LedgerConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
