// Package slack is the Slack delivery channel. Unlike Telegram it can
// confirm a message by reading it back from the conversation history.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"reportbot/internal/delivery"
	logx "reportbot/pkg/logx"
)

// API is the subset of *slack.Client the channel uses.
type API interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

type Config struct {
	Token     string
	ChannelID string
	// APIURL overrides the Web API base (tests); must end with "/".
	APIURL string
}

type Channel struct {
	api       API
	channelID string
	log       logx.Logger
}

var (
	_ delivery.Channel   = (*Channel)(nil)
	_ delivery.Confirmer = (*Channel)(nil)
)

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return NewWithAPI(slack.New(cfg.Token, opts...), cfg.ChannelID, log)
}

func NewWithAPI(api API, channelID string, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("slack channel_id is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{api: api, channelID: channelID, log: log}, nil
}

func (c *Channel) Name() string { return "slack" }

// Send posts content and returns the message timestamp, which Slack uses
// as the message id within a channel.
func (c *Channel) Send(ctx context.Context, content string, _ map[string]string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionText(content, false),
		slack.MsgOptionAsUser(false),
	)
	if err != nil {
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return "", fmt.Errorf("slack post: rate limited, retry after %s: %w", rl.RetryAfter, err)
		}
		return "", fmt.Errorf("slack post: %w", err)
	}
	return ts, nil
}

// Confirm looks for exactly messageID in the channel history.
func (c *Channel) Confirm(ctx context.Context, messageID string) (delivery.ConfirmState, error) {
	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: c.channelID,
		Latest:    messageID,
		Oldest:    messageID,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return delivery.ConfirmPending, fmt.Errorf("slack history: %w", err)
	}
	for _, m := range resp.Messages {
		if m.Timestamp == messageID {
			return delivery.ConfirmDelivered, nil
		}
	}
	c.log.Debug("message not visible yet", logx.String("ts", messageID))
	return delivery.ConfirmPending, nil
}
