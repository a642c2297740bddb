// Package tgapi is a minimal Bot API client covering the calls this service
// needs: long polling, message copy/delete/edit, batched archive reads, and
// chat membership lookups. Throttling responses are surfaced as typed errors
// carrying the platform-mandated wait so callers can apply bounded backoff.
package tgapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// MaxBatchGet is the platform ceiling on ids per batched message retrieval.
const MaxBatchGet = 200

// ErrNotParticipant reports that the queried user does not belong to the chat.
var ErrNotParticipant = errors.New("tgapi: user is not a participant")

// RetryAfterError is the platform's throttling signal. It always carries the
// number of seconds the caller must wait before re-issuing the call.
type RetryAfterError struct {
	Seconds int
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("tgapi: throttled, retry after %ds", e.Seconds)
}

// APIError is any other failed call.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tgapi: %d %s", e.Code, e.Description)
}

// Client talks to the Bot API over HTTPS. BaseURL and HTTPClient are
// overridable for tests.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) endpoint(method string) string {
	base := c.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return base + "/bot" + c.Token + "/" + method
}

type responseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type apiResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Description string              `json:"description,omitempty"`
	Parameters  *responseParameters `json:"parameters,omitempty"`
}

// call posts params as JSON and unmarshals the result payload into out (when
// out is non-nil). Failed calls are mapped to *RetryAfterError,
// ErrNotParticipant, or *APIError.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body := []byte("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = b
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !ar.OK {
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			return &RetryAfterError{Seconds: ar.Parameters.RetryAfter}
		}
		if ar.ErrorCode == http.StatusTooManyRequests {
			return &RetryAfterError{Seconds: 1}
		}
		desc := strings.ToLower(ar.Description)
		if strings.Contains(desc, "user not found") || strings.Contains(desc, "participant") {
			return fmt.Errorf("%s: %w", method, ErrNotParticipant)
		}
		return &APIError{Code: ar.ErrorCode, Description: ar.Description}
	}
	if out != nil {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for updates after offset. timeout is in seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessageParams are the options for SendMessage.
type SendMessageParams struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends a text message and returns the created message.
func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendPhotoParams are the options for SendPhoto.
type SendPhotoParams struct {
	ChatID      int64                 `json:"chat_id"`
	Photo       string                `json:"photo"`
	Caption     string                `json:"caption,omitempty"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendPhoto sends a photo by URL or file id.
func (c *Client) SendPhoto(ctx context.Context, params SendPhotoParams) (*Message, error) {
	var msg Message
	if err := c.call(ctx, "sendPhoto", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CopyMessageParams are the options for CopyMessage. A nil Caption keeps the
// original caption; an empty non-nil Caption strips it.
type CopyMessageParams struct {
	ChatID         int64                 `json:"chat_id"`
	FromChatID     int64                 `json:"from_chat_id"`
	MessageID      int64                 `json:"message_id"`
	Caption        *string               `json:"caption,omitempty"`
	ParseMode      string                `json:"parse_mode,omitempty"`
	ProtectContent bool                  `json:"protect_content,omitempty"`
	ReplyMarkup    *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// CopyMessage copies a message into another chat without a forward header and
// returns the new message id in the destination chat.
func (c *Client) CopyMessage(ctx context.Context, params CopyMessageParams) (int64, error) {
	var out struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "copyMessage", params, &out); err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

// DeleteMessage removes one message from a chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	params := map[string]any{"chat_id": chatID, "message_id": messageID}
	return c.call(ctx, "deleteMessage", params, nil)
}

// EditMessageText replaces the text of a previously sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	params := map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}
	return c.call(ctx, "editMessageText", params, nil)
}

// GetChatMember looks up a user's standing in a chat.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error) {
	params := map[string]any{"chat_id": chatID, "user_id": userID}
	var cm ChatMember
	if err := c.call(ctx, "getChatMember", params, &cm); err != nil {
		return ChatMember{}, err
	}
	return cm, nil
}

// GetChat fetches chat metadata, including its primary invite link when the
// bot has sufficient rights.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	params := map[string]any{"chat_id": chatID}
	var chat Chat
	if err := c.call(ctx, "getChat", params, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ExportChatInviteLink generates a fresh primary invite link for the chat.
func (c *Client) ExportChatInviteLink(ctx context.Context, chatID int64) (string, error) {
	params := map[string]any{"chat_id": chatID}
	var link string
	if err := c.call(ctx, "exportChatInviteLink", params, &link); err != nil {
		return "", err
	}
	return link, nil
}

// AnswerCallbackQuery acknowledges an inline-button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID string) error {
	params := map[string]any{"callback_query_id": callbackID}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// GetMessages retrieves up to MaxBatchGet archived messages by id in one call.
// The result preserves request order; ids the platform cannot resolve are
// absent from it.
func (c *Client) GetMessages(ctx context.Context, chatID int64, ids []int64) ([]Message, error) {
	if len(ids) > MaxBatchGet {
		return nil, fmt.Errorf("tgapi: %d ids exceeds batch ceiling %d", len(ids), MaxBatchGet)
	}
	params := map[string]any{"chat_id": chatID, "message_ids": ids}
	var msgs []Message
	if err := c.call(ctx, "getMessages", params, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
