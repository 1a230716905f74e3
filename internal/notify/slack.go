package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts notifications with chat.postMessage.
type Slack struct {
	client    slackPoster
	channelID string
}

// NewSlack creates a Slack notifier. Extra options (for example
// slack.OptionAPIURL) are passed to the client.
func NewSlack(botToken, channelID string, opts ...slack.Option) *Slack {
	return &Slack{client: slack.New(botToken, opts...), channelID: channelID}
}

func (s *Slack) Platform() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, n Notification) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(n.Text(), false),
		slack.MsgOptionUsername("oxytec-evaluator"),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
