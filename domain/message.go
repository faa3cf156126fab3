package domain

import (
	"fmt"
	"strings"
)

type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentMedia ContentKind = "media"
)

// MsgRef identifies one concrete message: the chat it lives in plus its id.
// Message ids are only unique within a chat, never globally.
type MsgRef struct {
	Chat ChatID    `json:"chat"`
	Msg  MessageID `json:"msg"`
}

func (r MsgRef) String() string {
	return fmt.Sprintf("%d/%d", r.Chat, r.Msg)
}

// OriginKey scopes an owner-side message id to its addressing context:
// the owner chat in direct mode, the user's thread in threaded mode.
type OriginKey struct {
	Scope int64     `json:"scope"`
	Msg   MessageID `json:"msg"`
}

func (k OriginKey) String() string {
	return fmt.Sprintf("%d/%d", k.Scope, k.Msg)
}

type Profile struct {
	ID       UserID `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// Display resolves the identity shown to owners: full name, else @username,
// else the bare id.
func (p Profile) Display() string {
	if p.Name != "" {
		return p.Name
	}
	if p.Username != "" {
		return "@" + p.Username
	}
	return fmt.Sprintf("%d", p.ID)
}

// Action is one inline affordance attached to a message (label shown to the
// human, data echoed back in the resulting Callback).
type Action struct {
	Label string
	Data  string
}

// Callback is an inline action press delivered back by the platform.
type Callback struct {
	From    UserID
	Chat    ChatID
	Message MessageID
	Data    string
}

// Update is one inbound event from the platform, already normalized by the
// connection layer.
type Update struct {
	From         UserID
	FromName     string
	FromUsername string
	Chat         ChatID
	ChatKind     ChatKind
	Message      MessageID
	Thread       ThreadID
	ReplyTo      MessageID
	Text         string
	Kind         ContentKind
	Edited       bool
	Callback     *Callback
}

func (u Update) Ref() MsgRef {
	return MsgRef{Chat: u.Chat, Msg: u.Message}
}

func (u Update) Sender() Profile {
	return Profile{ID: u.From, Name: u.FromName, Username: u.FromUsername}
}

// Command returns the leading slash-command token without its argument,
// or "" when the text is not a command.
func (u Update) Command() string {
	if u.Kind != ContentText || !strings.HasPrefix(u.Text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(strings.TrimSpace(u.Text), " ")
	return cmd
}

// CommandArg returns everything after the command token, trimmed.
func (u Update) CommandArg() string {
	_, arg, _ := strings.Cut(strings.TrimSpace(u.Text), " ")
	return strings.TrimSpace(arg)
}
