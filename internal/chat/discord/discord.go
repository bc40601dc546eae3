// Package discord adapts the platform contract in chat to discordgo.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/basket/autopilot/internal/chat"
)

// Client wraps a discordgo session behind chat.Messenger.
type Client struct {
	session *discordgo.Session
	logger  *slog.Logger

	waiterMu   sync.Mutex
	btnWaiters map[string]*buttonWaiter  // message id -> waiter
	msgWaiters map[string][]*msgWaiter   // channel id -> waiters

	// OnPrompt receives mentions, thread messages, and DMs addressed to the
	// bot. Set before Start.
	OnPrompt func(ctx context.Context, msg chat.InboundMessage, info chat.ChannelInfo)
	// OnCommand receives slash-command invocations with structured options.
	OnCommand func(ctx context.Context, cmd CommandInvocation)
}

type buttonWaiter struct {
	filter  func(chat.ButtonClick) bool
	clicks  chan chat.ButtonClick
	refusal string
}

type msgWaiter struct {
	filter func(chat.InboundMessage) bool
	msgs   chan chat.InboundMessage
}

// CommandInvocation is a slash command with its resolved options.
type CommandInvocation struct {
	Name      string
	ChannelID string
	GuildID   string
	UserID    string
	Options   map[string]string
	// Reply answers the interaction; ephemeral hides it from the channel.
	Reply func(content string, ephemeral bool) error
}

func New(token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord init: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	c := &Client{
		session:    s,
		logger:     logger,
		btnWaiters: make(map[string]*buttonWaiter),
		msgWaiters: make(map[string][]*msgWaiter),
	}
	s.AddHandler(c.onMessageCreate)
	s.AddHandler(c.onInteractionCreate)
	return c, nil
}

// Start opens the gateway connection.
func (c *Client) Start() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	c.logger.Info("discord connected", "user", c.session.State.User.Username)
	return nil
}

// Close tears down the gateway connection.
func (c *Client) Close() error {
	return c.session.Close()
}

// BotUserID returns the bot's own user id, used to filter self-messages.
func (c *Client) BotUserID() string {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

func (c *Client) Send(_ context.Context, channelID, content string) (chat.MessageRef, error) {
	m, err := c.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return chat.MessageRef{}, mapErr(err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: m.ID}, nil
}

func (c *Client) Edit(_ context.Context, ref chat.MessageRef, content string) error {
	_, err := c.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, content)
	return mapErr(err)
}

func (c *Client) Delete(_ context.Context, ref chat.MessageRef) error {
	return mapErr(c.session.ChannelMessageDelete(ref.ChannelID, ref.MessageID))
}

func (c *Client) SendFile(_ context.Context, channelID, filename string, content []byte) (chat.MessageRef, error) {
	m, err := c.session.ChannelFileSend(channelID, filename, bytes.NewReader(content))
	if err != nil {
		return chat.MessageRef{}, mapErr(err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: m.ID}, nil
}

func (c *Client) Typing(_ context.Context, channelID string) error {
	return mapErr(c.session.ChannelTyping(channelID))
}

func (c *Client) SendButtons(_ context.Context, channelID, content string, buttons []chat.Button) (chat.MessageRef, error) {
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		style := discordgo.PrimaryButton
		if b.Danger {
			style = discordgo.DangerButton
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.Label,
			Style:    style,
			CustomID: b.ID,
		})
	}
	m, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    content,
		Components: []discordgo.MessageComponent{row},
	})
	if err != nil {
		return chat.MessageRef{}, mapErr(err)
	}
	return chat.MessageRef{ChannelID: channelID, MessageID: m.ID}, nil
}

func (c *Client) AwaitButton(ctx context.Context, ref chat.MessageRef, filter func(chat.ButtonClick) bool, timeout time.Duration) (chat.ButtonClick, error) {
	w := &buttonWaiter{
		filter:  filter,
		clicks:  make(chan chat.ButtonClick, 1),
		refusal: "You are not authorized to act on this prompt.",
	}
	c.waiterMu.Lock()
	c.btnWaiters[ref.MessageID] = w
	c.waiterMu.Unlock()
	defer func() {
		c.waiterMu.Lock()
		delete(c.btnWaiters, ref.MessageID)
		c.waiterMu.Unlock()
	}()

	select {
	case click := <-w.clicks:
		return click, nil
	case <-time.After(timeout):
		return chat.ButtonClick{}, chat.ErrCollectorTimeout
	case <-ctx.Done():
		return chat.ButtonClick{}, ctx.Err()
	}
}

func (c *Client) DisableButtons(_ context.Context, ref chat.MessageRef, content string) error {
	empty := []discordgo.MessageComponent{}
	_, err := c.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    ref.ChannelID,
		ID:         ref.MessageID,
		Content:    &content,
		Components: &empty,
	})
	return mapErr(err)
}

func (c *Client) AwaitMessage(ctx context.Context, channelID string, filter func(chat.InboundMessage) bool, timeout time.Duration) (chat.InboundMessage, error) {
	w := &msgWaiter{filter: filter, msgs: make(chan chat.InboundMessage, 1)}
	c.waiterMu.Lock()
	c.msgWaiters[channelID] = append(c.msgWaiters[channelID], w)
	c.waiterMu.Unlock()
	defer func() {
		c.waiterMu.Lock()
		waiters := c.msgWaiters[channelID]
		for i, other := range waiters {
			if other == w {
				c.msgWaiters[channelID] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		c.waiterMu.Unlock()
	}()

	select {
	case msg := <-w.msgs:
		return msg, nil
	case <-time.After(timeout):
		return chat.InboundMessage{}, chat.ErrCollectorTimeout
	case <-ctx.Done():
		return chat.InboundMessage{}, ctx.Err()
	}
}

func (c *Client) ChannelInfo(_ context.Context, channelID string) (chat.ChannelInfo, error) {
	ch, err := c.session.State.Channel(channelID)
	if err != nil {
		ch, err = c.session.Channel(channelID)
		if err != nil {
			return chat.ChannelInfo{}, mapErr(err)
		}
	}
	info := chat.ChannelInfo{ID: ch.ID, GuildID: ch.GuildID}
	switch ch.Type {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		info.IsDM = true
		info.TextCapable = true
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		info.TextCapable = true
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread, discordgo.ChannelTypeGuildNewsThread:
		info.TextCapable = true
		info.IsThread = true
		info.ParentID = ch.ParentID
	}
	return info, nil
}

func (c *Client) MemberRoles(_ context.Context, guildID, userID string) ([]string, error) {
	if guildID == "" {
		return nil, nil
	}
	member, err := c.session.State.Member(guildID, userID)
	if err != nil {
		member, err = c.session.GuildMember(guildID, userID)
		if err != nil {
			return nil, mapErr(err)
		}
	}
	return member.Roles, nil
}

func (c *Client) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	msg := chat.InboundMessage{
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Content:   m.Content,
		Bot:       m.Author.Bot,
	}

	// Collectors see every message first; a matched waiter consumes it.
	c.waiterMu.Lock()
	for _, w := range c.msgWaiters[m.ChannelID] {
		if w.filter == nil || w.filter(msg) {
			select {
			case w.msgs <- msg:
				c.waiterMu.Unlock()
				return
			default:
			}
		}
	}
	c.waiterMu.Unlock()

	if m.Author.ID == c.BotUserID() || m.Author.Bot {
		return
	}
	if c.OnPrompt == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := c.ChannelInfo(ctx, m.ChannelID)
	if err != nil {
		c.logger.Warn("channel lookup failed", "channel", m.ChannelID, "error", err)
		return
	}

	// Outside DMs the bot only reacts when mentioned.
	if !info.IsDM && !mentionsUser(m.Mentions, c.BotUserID()) {
		return
	}
	msg.Content = stripMention(msg.Content, c.BotUserID())
	c.OnPrompt(ctx, msg, info)
}

func (c *Client) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		c.routeButtonClick(i)
	case discordgo.InteractionApplicationCommand:
		c.routeCommand(i)
	}
}

func (c *Client) routeButtonClick(i *discordgo.InteractionCreate) {
	if i.Message == nil {
		return
	}
	userID := interactionUserID(i)
	click := chat.ButtonClick{
		ButtonID: i.MessageComponentData().CustomID,
		UserID:   userID,
	}

	c.waiterMu.Lock()
	w, ok := c.btnWaiters[i.Message.ID]
	c.waiterMu.Unlock()
	if !ok {
		// Stale prompt: acknowledge quietly so the client stops spinning.
		_ = c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
		return
	}

	if w.filter != nil && !w.filter(click) {
		_ = c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: w.refusal,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		return
	}

	_ = c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	select {
	case w.clicks <- click:
	default:
	}
}

func (c *Client) routeCommand(i *discordgo.InteractionCreate) {
	if c.OnCommand == nil {
		return
	}
	data := i.ApplicationCommandData()
	options := make(map[string]string, len(data.Options))
	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			options[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			options[opt.Name] = fmt.Sprintf("%d", opt.IntValue())
		case discordgo.ApplicationCommandOptionBoolean:
			options[opt.Name] = fmt.Sprintf("%t", opt.BoolValue())
		}
	}

	inv := CommandInvocation{
		Name:      data.Name,
		ChannelID: i.ChannelID,
		GuildID:   i.GuildID,
		UserID:    interactionUserID(i),
		Options:   options,
		Reply: func(content string, ephemeral bool) error {
			var flags discordgo.MessageFlags
			if ephemeral {
				flags = discordgo.MessageFlagsEphemeral
			}
			return c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{Content: content, Flags: flags},
			})
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	c.OnCommand(ctx, inv)
}

// RegisterCommands declares the admin slash-command set.
func (c *Client) RegisterCommands(defs []*discordgo.ApplicationCommand) error {
	appID := c.session.State.User.ID
	for _, def := range defs {
		if _, err := c.session.ApplicationCommandCreate(appID, "", def); err != nil {
			return fmt.Errorf("register command %s: %w", def.Name, err)
		}
	}
	return nil
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, u := range mentions {
		if u.ID == userID {
			return true
		}
	}
	return false
}

func stripMention(content, userID string) string {
	for _, form := range []string{"<@" + userID + ">", "<@!" + userID + ">"} {
		content = strings.ReplaceAll(content, form, "")
	}
	return strings.TrimSpace(content)
}

// mapErr folds platform error codes into the contract's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*discordgo.RESTError); ok {
		if rerr.Response != nil {
			switch rerr.Response.StatusCode {
			case http.StatusNotFound, http.StatusForbidden:
				return fmt.Errorf("%w: %v", chat.ErrGone, err)
			}
		}
		if rerr.Message != nil {
			switch rerr.Message.Code {
			case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel,
				discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
				return fmt.Errorf("%w: %v", chat.ErrGone, err)
			}
		}
	}
	return err
}
