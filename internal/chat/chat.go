// Package chat defines the contract the core requires of the chat platform.
// The concrete client lives in the discord subpackage; the core only sees
// these interfaces, which keeps every component testable with fakes.
package chat

import (
	"context"
	"errors"
	"time"
)

// ErrGone signals that a message or channel no longer exists or the bot lost
// permission to touch it. The output sink treats it as recoverable: drop the
// message reference and send fresh once.
var ErrGone = errors.New("chat: message or channel gone")

// ErrCollectorTimeout signals that a button or message collector expired.
var ErrCollectorTimeout = errors.New("chat: collector timed out")

// MessageRef identifies a sent message for later edits.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Button is one clickable component on a prompt.
type Button struct {
	ID    string
	Label string
	// Danger renders the destructive style.
	Danger bool
}

// ButtonClick is a resolved component interaction.
type ButtonClick struct {
	ButtonID string
	UserID   string
}

// InboundMessage is a message observed by a collector.
type InboundMessage struct {
	ChannelID string
	UserID    string
	Content   string
	Bot       bool
}

// ChannelInfo describes a channel the core is operating in.
type ChannelInfo struct {
	ID           string
	TextCapable  bool
	IsDM         bool
	IsThread     bool
	ParentID     string // parent channel for threads, else empty
	GuildID      string // empty for DMs
}

// Messenger is everything the core needs from the platform client.
type Messenger interface {
	Send(ctx context.Context, channelID, content string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, content string) error
	Delete(ctx context.Context, ref MessageRef) error
	// SendFile uploads content as a text attachment.
	SendFile(ctx context.Context, channelID, filename string, content []byte) (MessageRef, error)
	Typing(ctx context.Context, channelID string) error

	// SendButtons posts content with clickable components.
	SendButtons(ctx context.Context, channelID, content string, buttons []Button) (MessageRef, error)
	// AwaitButton blocks until a click passing filter arrives or the
	// deadline passes (ErrCollectorTimeout). Clicks failing the filter
	// receive an ephemeral refusal and keep the collector open.
	AwaitButton(ctx context.Context, ref MessageRef, filter func(ButtonClick) bool, timeout time.Duration) (ButtonClick, error)
	// DisableButtons edits the prompt to record the outcome and removes
	// the components.
	DisableButtons(ctx context.Context, ref MessageRef, content string) error

	// AwaitMessage blocks until a message passing filter arrives in the
	// channel or the deadline passes (ErrCollectorTimeout).
	AwaitMessage(ctx context.Context, channelID string, filter func(InboundMessage) bool, timeout time.Duration) (InboundMessage, error)

	ChannelInfo(ctx context.Context, channelID string) (ChannelInfo, error)
	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
}
