// Package caption generates post captions and hashtags. Two providers
// implement pipeline.Captioner: a deterministic offline template provider
// and an LLM-backed one that the pipeline falls back from on error.
package caption

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"reelbot/internal/pipeline"
)

// Config tunes caption generation. Shared by both providers; the LLM
// provider additionally takes an LLM client config.
type Config struct {
	Style        string // inspiring (default) | casual | informative
	Category     string
	HashtagCount int
	CustomTags   []string // without the leading '#'
	CallToAction bool
}

var templates = map[string][]string{
	"inspiring": {
		"💪 %s\n\nYour daily dose of motivation! Save this for when you need it. 🔥",
		"✨ %s\n\nLet this be your reminder to keep pushing forward! 💯",
		"🎯 %s\n\nTag someone who needs to see this! 🙌",
	},
	"casual": {
		"🔥 %s\n\nWhat do you think? Drop a comment! 👇",
		"💯 %s\n\nDouble tap if you agree! ❤️",
		"😍 %s\n\nSave this for later! 📌",
	},
	"informative": {
		"📚 %s\n\nLearn something new every day! Follow for more. 🎓",
		"💡 %s\n\nHope you found this helpful! 🙏",
		"🎯 %s\n\nShare this with someone who needs it! 👥",
	},
}

var callToActions = []string{
	"Follow for more! 🔥",
	"Follow for daily content! 💯",
	"Like & Follow for more! ❤️",
	"Save & Share with friends! 📌",
}

var categoryTags = map[string][]string{
	"motivation": {
		"motivation", "motivational", "inspiration", "inspire", "mindset",
		"success", "goals", "hustle", "positivevibes", "dailymotivation",
	},
	"tech": {
		"technology", "tech", "innovation", "ai", "future", "coding",
		"programming", "software", "digital", "startup",
	},
	"comedy": {
		"funny", "comedy", "humor", "memes", "lol", "funnyvideos",
		"entertainment", "hilarious",
	},
}

var commonTags = []string{
	"viral", "trending", "explore", "reels", "shorts", "foryou", "daily",
}

// Template is the offline caption provider. The same candidate always
// yields the same caption: template and call-to-action are picked by a hash
// of the source ID, so retried cycles don't churn output.
type Template struct {
	cfg Config
}

func NewTemplate(cfg Config) *Template {
	if cfg.Style == "" {
		cfg.Style = "inspiring"
	}
	if cfg.HashtagCount <= 0 {
		cfg.HashtagCount = 15
	}
	return &Template{cfg: cfg}
}

func (t *Template) Generate(_ context.Context, c pipeline.Candidate) (pipeline.Caption, error) {
	pool, ok := templates[t.cfg.Style]
	if !ok {
		pool = templates["inspiring"]
	}
	seed := hashSeed(c.SourceID)

	text := fmt.Sprintf(pool[seed%uint64(len(pool))], strings.TrimSpace(c.Title))
	if t.cfg.CallToAction {
		text += "\n\n" + callToActions[seed%uint64(len(callToActions))]
	}
	return pipeline.Caption{Text: text, Tags: buildTags(t.cfg)}, nil
}

// buildTags merges custom, category and common hashtags in that priority
// order, deduplicated, capped at HashtagCount.
func buildTags(cfg Config) []string {
	seen := map[string]bool{}
	out := make([]string, 0, cfg.HashtagCount)
	add := func(tags []string) {
		for _, tag := range tags {
			tag = normalizeTag(tag)
			if tag == "" || seen[tag] || len(out) >= cfg.HashtagCount {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	add(cfg.CustomTags)
	add(categoryTags[strings.ToLower(strings.TrimSpace(cfg.Category))])
	add(commonTags)
	return out
}

func normalizeTag(tag string) string {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
	var b strings.Builder
	for _, r := range strings.ToLower(tag) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hashSeed(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
