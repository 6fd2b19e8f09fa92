// Package botapi is a minimal client for the Telegram Bot API used as the
// control surface: it sends and edits messages, answers callback queries
// and registers the webhook. Only the handful of methods the control
// conversation needs are implemented.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// ErrNotModified is returned by EditMessageText when the new content equals
// the current one.
var ErrNotModified = errors.New("message is not modified")

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	// RetryAfter is set on 429 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("bot api %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("bot api %d: %s", e.Code, e.Description)
}

// Client talks to the Bot API with a bot token.
type Client struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

// New returns a client with a 10s HTTP timeout.
func New(token, baseURL string) *Client {
	return &Client{Token: token, BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// call posts payload as JSON to method and decodes the result into out
// (which may be nil).
func (c *Client) call(ctx context.Context, method string, payload any, out any) error {
	if c.Token == "" {
		return errors.New("missing bot token")
	}
	httpc := c.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/bot"+c.Token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpc.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("%s: %w", method, uerr.Err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	defer res.Body.Close()

	var r response
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !r.OK {
		apiErr := &APIError{Code: r.ErrorCode, Description: r.Description}
		if apiErr.Code == 0 {
			apiErr.Code = res.StatusCode
		}
		if apiErr.Description == "" {
			apiErr.Description = "bot api error"
		}
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
		}
		if strings.Contains(apiErr.Description, "message is not modified") {
			return fmt.Errorf("%s: %w", method, ErrNotModified)
		}
		return fmt.Errorf("%s: %w", method, apiErr)
	}
	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

type sendMessageRequest struct {
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup any    `json:"reply_markup,omitempty"`
}

// SendMessage sends text to chatID with an optional keyboard and returns
// the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup any) (int, error) {
	var m Message
	if err := c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text, ReplyMarkup: markup}, &m); err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

type editMessageTextRequest struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int                   `json:"message_id"`
	Text        string                `json:"text"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageText replaces the text and inline keyboard of a sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markup *InlineKeyboardMarkup) error {
	return c.call(ctx, "editMessageText", editMessageTextRequest{
		ChatID: chatID, MessageID: messageID, Text: text, ReplyMarkup: markup,
	}, nil)
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

// AnswerCallbackQuery acknowledges a button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: id, Text: text}, nil)
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// SetWebhook points the bot at webhookURL. secret is echoed back by Telegram in
// the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	return c.call(ctx, "setWebhook", setWebhookRequest{
		URL: webhookURL, SecretToken: secret, AllowedUpdates: []string{"message", "callback_query"},
	}, nil)
}
