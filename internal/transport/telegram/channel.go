// Package telegram is the send-only Telegram delivery channel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"reportbot/internal/delivery"
	logx "reportbot/pkg/logx"
)

type Config struct {
	Token          string
	ChatID         int64
	ThreadID       int // forum topic (0 if none)
	ParseMode      string
	DisablePreview bool
	// URL overrides the Bot API endpoint (local bot server, tests).
	URL     string
	Timeout time.Duration
}

// Channel posts reports to one chat. It has no confirmation: the Bot API
// answers with the stored message, so a successful send is final.
type Channel struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

var _ delivery.Channel = (*Channel)(nil)

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true, // send only: no getMe, no poller
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, bot: b, log: log}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Send splits long content and posts the parts in order. The returned id
// is "<chat>:<message>" of the first part.
func (c *Channel) Send(ctx context.Context, content string, _ map[string]string) (string, error) {
	chat := &tele.Chat{ID: c.cfg.ChatID}
	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(c.cfg.ParseMode),
		DisableWebPagePreview: c.cfg.DisablePreview,
		ThreadID:              c.cfg.ThreadID,
	}

	var first string
	parts := splitText(content, textLimit, c.cfg.ParseMode)
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := c.bot.Send(chat, part, opt)
		if err != nil {
			if i > 0 {
				// the head is out; resending it would duplicate the report
				c.log.Warn("telegram continuation failed", logx.Int("part", i+1), logx.Int("parts", len(parts)), logx.Err(err))
				return first, nil
			}
			return "", fmt.Errorf("telegram send: %w", err)
		}
		if i == 0 {
			first = strconv.FormatInt(c.cfg.ChatID, 10) + ":" + strconv.Itoa(msg.ID)
		}
	}
	return first, nil
}

const textLimit = 4000

// splitText cuts s into chunks Telegram accepts. It prefers newline
// boundaries and, in HTML mode, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
