package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord caps message content at 2000 characters.
const discordMaxContent = 2000

type discordSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notifications through the bot REST API. No gateway
// connection is opened.
type Discord struct {
	session   discordSender
	channelID string
}

// NewDiscord creates a Discord notifier for one channel.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

func (d *Discord) Platform() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, n Notification) error {
	content := fmt.Sprintf("**[%s] %s**\nsession `%s`", n.Status, n.Title, n.SessionID)
	if n.Body != "" {
		content += "\n" + n.Body
	}
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-1]) + "…"
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
