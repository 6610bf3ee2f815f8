// Package discord adapts a discordgo session to the alert engine's messaging
// contract: sending, editing, deleting and locating alert messages, with
// Discord API failures classified for the dispatcher.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/stream-alerts/alerts"
)

// session is the slice of *discordgo.Session the messenger uses.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
}

// Messenger delivers alert messages through Discord.
type Messenger struct {
	s         session
	botUserID string
	logger    *slog.Logger
}

// NewMessenger wraps an opened session. botUserID is the bot's own user id
// (session.State.User.ID after Open), used for permission checks.
func NewMessenger(s session, botUserID string, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		s:         s,
		botUserID: botUserID,
		logger:    logger.With(slog.String("component", "discord")),
	}
}

// messageDoc is the shape a rendered template document is decoded into.
type messageDoc struct {
	Content string                    `json:"content"`
	Embed   *discordgo.MessageEmbed   `json:"embed"`
	Embeds  []*discordgo.MessageEmbed `json:"embeds"`
}

func decodeDoc(doc map[string]any) (*messageDoc, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode message document: %w", err)
	}
	var md messageDoc
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode message document: %w", err)
	}
	if md.Embed != nil {
		md.Embeds = append(md.Embeds, md.Embed)
	}
	return &md, nil
}

// Capabilities reports whether the bot can post (and embed) in the channel.
func (m *Messenger) Capabilities(_ context.Context, channelID string) (alerts.Capabilities, error) {
	perms, err := m.s.UserChannelPermissions(m.botUserID, channelID)
	if err != nil {
		return alerts.Capabilities{}, classify("permissions", err)
	}
	return alerts.Capabilities{
		CanSend:  perms&discordgo.PermissionViewChannel != 0 && perms&discordgo.PermissionSendMessages != 0,
		CanEmbed: perms&discordgo.PermissionEmbedLinks != 0,
	}, nil
}

// Send posts a rendered message document and returns the new message id.
func (m *Messenger) Send(ctx context.Context, channelID string, doc map[string]any) (string, error) {
	md, err := decodeDoc(doc)
	if err != nil {
		return "", err
	}
	msg, err := m.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: md.Content,
		Embeds:  md.Embeds,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify("send", err)
	}
	return msg.ID, nil
}

// Edit replaces an existing message's content with the rendered document.
func (m *Messenger) Edit(ctx context.Context, channelID, messageID string, doc map[string]any) error {
	md, err := decodeDoc(doc)
	if err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(channelID, messageID)
	edit.SetContent(md.Content)
	if len(md.Embeds) > 0 {
		edit.SetEmbeds(md.Embeds)
	}
	if _, err := m.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return classify("edit", err)
	}
	return nil
}

// Delete removes a posted alert message.
func (m *Messenger) Delete(ctx context.Context, channelID, messageID string) error {
	if err := m.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return classify("delete", err)
	}
	return nil
}

// Locate reports whether the message still exists. A message or channel that
// is gone is a negative result, not an error.
func (m *Messenger) Locate(ctx context.Context, channelID, messageID string) (bool, error) {
	_, err := m.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err == nil {
		return true, nil
	}
	cerr := classify("locate", err)
	if isNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}
