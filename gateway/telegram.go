package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"relay-host/contract"
	"relay-host/domain"
)

const defaultAPIBase = "https://api.telegram.org"

// pollTimeout is the long-poll window requested from the platform.
const pollTimeout = 30 * time.Second

// Connector dials the Telegram Bot API. Connect validates the credential with
// a getMe call so invalid tokens are rejected before a session starts.
type Connector struct {
	base   string
	client *http.Client
}

func NewConnector() *Connector {
	return NewConnectorWithBase(defaultAPIBase)
}

func NewConnectorWithBase(base string) *Connector {
	return &Connector{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: pollTimeout + 10*time.Second},
	}
}

func (c *Connector) Connect(ctx context.Context, credential string) (contract.Conn, error) {
	conn := &botConn{
		url:    fmt.Sprintf("%s/bot%s", c.base, credential),
		client: c.client,
	}
	var me struct {
		Username string `json:"username"`
	}
	if err := conn.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	conn.self = me.Username
	return conn, nil
}

type botConn struct {
	url    string
	client *http.Client
	self   string
	offset int64
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (b *botConn) call(ctx context.Context, method string, payload any, out any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return PermanentErr(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/"+method, &body)
	if err != nil {
		return PermanentErr(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return TransientErr(err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return TransientErr(err)
	}
	if !env.OK {
		return classifyAPIError(method, env)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return TransientErr(err)
		}
	}
	return nil
}

func classifyAPIError(method string, env apiEnvelope) error {
	desc := strings.ToLower(env.Description)
	err := fmt.Errorf("%s: %s (%d)", method, env.Description, env.ErrorCode)
	switch {
	case env.ErrorCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if env.Parameters != nil {
			retryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return RateLimitedErr(retryAfter, err)
	case env.ErrorCode == http.StatusUnauthorized, env.ErrorCode == http.StatusForbidden:
		return PermanentErr(err)
	case strings.Contains(desc, "thread not found"), strings.Contains(desc, "topic not found"),
		strings.Contains(desc, "message to edit not found"), strings.Contains(desc, "message to delete not found"):
		return NotFoundErr(err)
	case env.ErrorCode >= 500:
		return TransientErr(err)
	default:
		return PermanentErr(err)
	}
}

type apiMessage struct {
	MessageID int64 `json:"message_id"`
}

func (b *botConn) Send(ctx context.Context, chat domain.ChatID, thread domain.ThreadID, text string) (domain.MessageID, error) {
	payload := map[string]any{"chat_id": chat, "text": text}
	if thread != 0 {
		payload["message_thread_id"] = thread
	}
	var msg apiMessage
	if err := b.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return domain.MessageID(msg.MessageID), nil
}

func (b *botConn) SendActions(ctx context.Context, chat domain.ChatID, text string, actions []domain.Action) (domain.MessageID, error) {
	row := lo.Map(actions, func(a domain.Action, _ int) map[string]string {
		return map[string]string{"text": a.Label, "callback_data": a.Data}
	})
	payload := map[string]any{
		"chat_id":      chat,
		"text":         text,
		"reply_markup": map[string]any{"inline_keyboard": [][]map[string]string{row}},
	}
	var msg apiMessage
	if err := b.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return domain.MessageID(msg.MessageID), nil
}

func (b *botConn) Forward(ctx context.Context, from domain.ChatID, msg domain.MessageID, to domain.ChatID, thread domain.ThreadID) (domain.MessageID, error) {
	payload := map[string]any{"chat_id": to, "from_chat_id": from, "message_id": msg}
	if thread != 0 {
		payload["message_thread_id"] = thread
	}
	var res apiMessage
	if err := b.call(ctx, "forwardMessage", payload, &res); err != nil {
		return 0, err
	}
	return domain.MessageID(res.MessageID), nil
}

func (b *botConn) Copy(ctx context.Context, from domain.ChatID, msg domain.MessageID, to domain.ChatID) (domain.MessageID, error) {
	payload := map[string]any{"chat_id": to, "from_chat_id": from, "message_id": msg}
	var res apiMessage
	if err := b.call(ctx, "copyMessage", payload, &res); err != nil {
		return 0, err
	}
	return domain.MessageID(res.MessageID), nil
}

func (b *botConn) Edit(ctx context.Context, chat domain.ChatID, msg domain.MessageID, text string) error {
	payload := map[string]any{"chat_id": chat, "message_id": msg, "text": text}
	return b.call(ctx, "editMessageText", payload, nil)
}

func (b *botConn) Delete(ctx context.Context, chat domain.ChatID, msg domain.MessageID) error {
	payload := map[string]any{"chat_id": chat, "message_id": msg}
	return b.call(ctx, "deleteMessage", payload, nil)
}

func (b *botConn) CreateThread(ctx context.Context, chat domain.ChatID, title string) (domain.ThreadID, error) {
	payload := map[string]any{"chat_id": chat, "name": title}
	var res struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := b.call(ctx, "createForumTopic", payload, &res); err != nil {
		return 0, err
	}
	return domain.ThreadID(res.MessageThreadID), nil
}

func (b *botConn) Identity(ctx context.Context, user domain.UserID) (domain.Profile, error) {
	payload := map[string]any{"chat_id": user}
	var res struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Username  string `json:"username"`
	}
	if err := b.call(ctx, "getChat", payload, &res); err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{
		ID:       domain.UserID(res.ID),
		Name:     strings.TrimSpace(res.FirstName + " " + res.LastName),
		Username: res.Username,
	}, nil
}

type apiUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *apiUser
		Chat      apiChat `json:"chat"`
		Text      string  `json:"text"`
		Caption   string  `json:"caption"`
		ThreadID  int64   `json:"message_thread_id"`
		ReplyTo   *struct {
			MessageID int64 `json:"message_id"`
		} `json:"reply_to_message"`
	} `json:"message"`
	EditedMessage *struct {
		MessageID int64 `json:"message_id"`
		From      *apiUser
		Chat      apiChat `json:"chat"`
		Text      string  `json:"text"`
		ThreadID  int64   `json:"message_thread_id"`
	} `json:"edited_message"`
	CallbackQuery *struct {
		From    apiUser `json:"from"`
		Data    string  `json:"data"`
		Message *struct {
			MessageID int64   `json:"message_id"`
			Chat      apiChat `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

type apiUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type apiChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func (b *botConn) Poll(ctx context.Context) ([]domain.Update, error) {
	payload := map[string]any{
		"offset":          b.offset,
		"timeout":         int(pollTimeout.Seconds()),
		"allowed_updates": []string{"message", "edited_message", "callback_query"},
	}
	var raw []apiUpdate
	if err := b.call(ctx, "getUpdates", payload, &raw); err != nil {
		return nil, err
	}

	updates := make([]domain.Update, 0, len(raw))
	for _, r := range raw {
		if r.UpdateID >= b.offset {
			b.offset = r.UpdateID + 1
		}
		if u, ok := toUpdate(r); ok {
			updates = append(updates, u)
		}
	}
	return updates, nil
}

func toUpdate(r apiUpdate) (domain.Update, bool) {
	switch {
	case r.CallbackQuery != nil && r.CallbackQuery.Message != nil:
		cb := r.CallbackQuery
		return domain.Update{
			From:         domain.UserID(cb.From.ID),
			FromName:     strings.TrimSpace(cb.From.FirstName + " " + cb.From.LastName),
			FromUsername: cb.From.Username,
			Chat:         domain.ChatID(cb.Message.Chat.ID),
			ChatKind:     chatKind(cb.Message.Chat.Type),
			Callback: &domain.Callback{
				From:    domain.UserID(cb.From.ID),
				Chat:    domain.ChatID(cb.Message.Chat.ID),
				Message: domain.MessageID(cb.Message.MessageID),
				Data:    cb.Data,
			},
		}, true
	case r.EditedMessage != nil && r.EditedMessage.From != nil:
		m := r.EditedMessage
		kind := domain.ContentText
		if m.Text == "" {
			kind = domain.ContentMedia
		}
		return domain.Update{
			From:         domain.UserID(m.From.ID),
			FromName:     strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
			FromUsername: m.From.Username,
			Chat:         domain.ChatID(m.Chat.ID),
			ChatKind:     chatKind(m.Chat.Type),
			Message:      domain.MessageID(m.MessageID),
			Thread:       domain.ThreadID(m.ThreadID),
			Text:         m.Text,
			Kind:         kind,
			Edited:       true,
		}, true
	case r.Message != nil && r.Message.From != nil:
		m := r.Message
		kind := domain.ContentText
		text := m.Text
		if text == "" {
			kind = domain.ContentMedia
			text = m.Caption
		}
		u := domain.Update{
			From:         domain.UserID(m.From.ID),
			FromName:     strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
			FromUsername: m.From.Username,
			Chat:         domain.ChatID(m.Chat.ID),
			ChatKind:     chatKind(m.Chat.Type),
			Message:      domain.MessageID(m.MessageID),
			Thread:       domain.ThreadID(m.ThreadID),
			Text:         text,
			Kind:         kind,
		}
		if m.ReplyTo != nil {
			u.ReplyTo = domain.MessageID(m.ReplyTo.MessageID)
		}
		return u, true
	default:
		return domain.Update{}, false
	}
}

func chatKind(t string) domain.ChatKind {
	if t == "private" {
		return domain.ChatPrivate
	}
	return domain.ChatGroup
}

func (b *botConn) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
