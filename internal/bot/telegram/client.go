// Package telegram implements the Telegram long-polling transport: a thin
// Bot API client, an Adapter that converts updates into inbound messages,
// and a Supervisor that keeps polling alive across 409 conflicts.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const apiBaseURL = "https://api.telegram.org"

// pollTimeoutSec is the long-poll hold time requested from getUpdates.
const pollTimeoutSec = 50

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d: %s", e.Code, e.Description)
}

// Wire types, mapped from Bot API objects. Only the fields the bot reads.

type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup", "channel"
}

type Entity struct {
	Type   string `json:"type"` // "mention", "bot_command", ...
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type Message struct {
	MessageID int64    `json:"message_id"`
	From      *User    `json:"from"`
	Chat      Chat     `json:"chat"`
	Date      int64    `json:"date"`
	Text      string   `json:"text"`
	Entities  []Entity `json:"entities"`
	ReplyTo   *Message `json:"reply_to_message"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Client is a minimal Bot API client over HTTP.
type Client struct {
	rc *resty.Client
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Token   string
	BaseURL string        // defaults to the public Bot API; tests point this at a local server
	Timeout time.Duration // per-call ceiling; must exceed the long-poll hold time
}

// NewClient creates a Bot API client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	base := opts.BaseURL
	if base == "" {
		base = apiBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(pollTimeoutSec+15) * time.Second
	}
	rc := resty.New().
		SetBaseURL(base+"/bot"+opts.Token).
		SetTimeout(timeout).
		SetHeader("User-Agent", "gemscout/1.0")
	return &Client{rc: rc}, nil
}

// call performs one Bot API method and unmarshals the result into out.
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	var env apiEnvelope
	req := c.rc.R().SetContext(ctx).SetResult(&env).SetError(&env)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post("/" + method)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode()
		}
		return &APIError{Code: code, Description: env.Description}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteWebhook removes any configured webhook so long polling can take
// over. With dropPending, queued updates are discarded too.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", map[string]any{
		"drop_pending_updates": dropPending,
	}, nil)
}

// GetUpdates long-polls for updates after offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         pollTimeoutSec,
		"allowed_updates": []string{"message"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage posts a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// BotCommand is one entry of the command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SetMyCommands publishes the command menu shown in Telegram clients.
func (c *Client) SetMyCommands(ctx context.Context, cmds []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{
		"commands": cmds,
	}, nil)
}
