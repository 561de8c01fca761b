// Package telegram is a minimal Bot API client: send a message to the
// operator chat and long-poll for commands from it.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"fx-trading-bot/internal/logger"
)

const apiHost = "https://api.telegram.org"

type Client struct {
	client *resty.Client
	chatID int64
}

// Update is an incoming text message.
type Update struct {
	ID     int64
	ChatID int64
	Text   string
}

// Handler answers one command; an empty reply sends nothing.
type Handler func(ctx context.Context, text string) string

func New(token, chatID string) (*Client, error) {
	return newClient(apiHost, token, chatID)
}

func newClient(host, token, chatID string) (*Client, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", chatID, err)
	}
	client := resty.New()
	client.SetBaseURL(host + "/bot" + token)
	client.SetTimeout(90 * time.Second)
	return &Client{client: client, chatID: id}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(req *resty.Request, method, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	var ar apiResponse
	if err := json.Unmarshal(resp.Body(), &ar); err != nil {
		return fmt.Errorf("telegram %s: http %d: %w", path, resp.StatusCode(), err)
	}
	if !ar.OK {
		return fmt.Errorf("telegram %s: %s", path, ar.Description)
	}
	if out != nil {
		return json.Unmarshal(ar.Result, out)
	}
	return nil
}

// Send posts text to the configured chat.
func (c *Client) Send(ctx context.Context, text string) error {
	req := c.client.R().SetContext(ctx).SetBody(map[string]any{
		"chat_id": c.chatID,
		"text":    text,
	})
	return c.call(req, "POST", "/sendMessage", nil)
}

// Updates long-polls for messages after offset.
func (c *Client) Updates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	var raw []struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			Text string `json:"text"`
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	}
	req := c.client.R().SetContext(ctx).SetQueryParams(map[string]string{
		"offset":  strconv.FormatInt(offset, 10),
		"timeout": strconv.Itoa(int(wait.Seconds())),
	})
	if err := c.call(req, "GET", "/getUpdates", &raw); err != nil {
		return nil, err
	}
	out := make([]Update, 0, len(raw))
	for _, u := range raw {
		up := Update{ID: u.UpdateID}
		if u.Message != nil {
			up.ChatID = u.Message.Chat.ID
			up.Text = u.Message.Text
		}
		out = append(out, up)
	}
	return out, nil
}

// Poll dispatches commands from the configured chat until ctx is cancelled.
// Messages from any other chat are ignored.
func (c *Client) Poll(ctx context.Context, wait time.Duration, handle Handler) error {
	var offset int64
	for {
		ups, err := c.Updates(ctx, offset, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.ErrorWithErr(ctx, "Telegram poll failed", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range ups {
			offset = u.ID + 1
			if u.ChatID != c.chatID || u.Text == "" {
				if u.ChatID != 0 && u.ChatID != c.chatID {
					logger.Warn(ctx, "Ignoring message from unknown chat", "chat_id", u.ChatID)
				}
				continue
			}
			reply := handle(ctx, u.Text)
			if reply == "" {
				continue
			}
			if err := c.Send(ctx, reply); err != nil {
				logger.ErrorWithErr(ctx, "Failed to send reply", err)
			}
		}
	}
}
