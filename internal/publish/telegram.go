// Package publish places finished assets on the target platform. The only
// shipped adapter posts videos to a Telegram channel.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"reelbot/internal/pipeline"
	logx "reelbot/pkg/logx"
)

// Telegram caps media captions at 1024 characters.
const captionLimit = 1024

// Config configures the Telegram publisher.
type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

// sender is the slice of *tele.Bot the adapter uses, swappable in tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram implements pipeline.Publisher over a bot-API session.
type Telegram struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	mu  sync.Mutex
	bot sender

	// newBot builds and validates a session; it defaults to tele.NewBot,
	// which calls getMe and hence rejects a bad token at login time.
	newBot func(token string) (sender, error)
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("publish: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("publish: telegram chat id is required")
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		newBot: func(token string) (sender, error) {
			return tele.NewBot(tele.Settings{Token: token, Offline: false})
		},
	}, nil
}

// Login establishes (or replaces) the bot session.
func (t *Telegram) Login(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.newBot(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("publish: telegram login: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.log.Info("telegram session established", logx.Int64("chat_id", t.cfg.ChatID))
	return nil
}

// Publish sends the asset as a video message to the configured chat.
func (t *Telegram) Publish(ctx context.Context, a pipeline.Asset, c pipeline.Caption) (pipeline.Post, error) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return pipeline.Post{}, pipeline.ErrReauthRequired
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return pipeline.Post{}, fmt.Errorf("publish: rate wait: %w", err)
	}

	video := &tele.Video{
		File:      tele.FromDisk(a.Path),
		Caption:   composeCaption(c),
		MIME:      a.MIME,
		Streaming: true,
	}
	msg, err := bot.Send(tele.ChatID(t.cfg.ChatID), video)
	if err != nil {
		var terr *tele.Error
		if errors.As(err, &terr) && terr.Code == 401 {
			return pipeline.Post{}, fmt.Errorf("%w: %v", pipeline.ErrReauthRequired, err)
		}
		return pipeline.Post{}, fmt.Errorf("%w: %v", pipeline.ErrPublishFailed, err)
	}

	post := pipeline.Post{
		ID:          fmt.Sprintf("%d", msg.ID),
		URL:         messageURL(msg, t.cfg.ChatID),
		PublishedAt: msg.Time(),
	}
	if post.PublishedAt.IsZero() {
		post.PublishedAt = time.Now()
	}
	t.log.Info("video published",
		logx.String("post_id", post.ID),
		logx.String("url", post.URL))
	return post, nil
}

// FetchMetrics always reports unavailable: the bot API does not expose view
// or reaction counts for channel posts.
func (t *Telegram) FetchMetrics(context.Context, string) (pipeline.Metrics, error) {
	return pipeline.Metrics{}, pipeline.ErrNoMetrics
}

// composeCaption joins text and hashtags, truncating the text part to stay
// under the platform caption limit.
func composeCaption(c pipeline.Caption) string {
	var tags string
	if len(c.Tags) > 0 {
		parts := make([]string, 0, len(c.Tags))
		for _, tag := range c.Tags {
			parts = append(parts, "#"+tag)
		}
		tags = strings.Join(parts, " ")
	}

	text := c.Text
	budget := captionLimit
	if tags != "" {
		budget -= len(tags) + 2
	}
	if budget < 0 {
		return truncate(tags, captionLimit)
	}
	text = truncate(text, budget)

	switch {
	case text == "":
		return tags
	case tags == "":
		return text
	default:
		return text + "\n\n" + tags
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	for len(string(r)) > n {
		r = r[:len(r)-1]
	}
	return string(r)
}

// messageURL builds the public t.me link when the chat has a username, and
// the private /c/ form otherwise.
func messageURL(msg *tele.Message, chatID int64) string {
	if msg.Chat != nil && msg.Chat.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", msg.Chat.Username, msg.ID)
	}
	// Channel IDs carry a -100 prefix in the bot API.
	id := chatID
	if id < 0 {
		s := strings.TrimPrefix(fmt.Sprintf("%d", id), "-100")
		return fmt.Sprintf("https://t.me/c/%s/%d", s, msg.ID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", id, msg.ID)
}
