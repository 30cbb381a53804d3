package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Vovarama1992/storefront-support/internal/bot"
	"github.com/Vovarama1992/storefront-support/internal/chat"
)

// APIError is a non-2xx answer from the support API.
type APIError struct {
	Status         int
	Message        string
	NeedEscalation bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("support api error: %d %s", e.Status, e.Message)
}

// UserMessage is the text meant for the person at the keyboard.
func (e *APIError) UserMessage() string {
	return e.Message
}

// Client talks to the support API on behalf of one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		// above the server side completion timeout
		http: &http.Client{Timeout: 90 * time.Second},
	}
}

// Ask sends one customer turn to the bot responder.
func (c *Client) Ask(ctx context.Context, req bot.Request) (*bot.Response, error) {
	var resp bot.Response
	if err := c.send(ctx, http.MethodPost, "/functions/v1/chat-bot", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me is the caller as the server sees it.
type Me struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

func (c *Client) Me(ctx context.Context) (*Me, error) {
	var me Me
	if err := c.send(ctx, http.MethodGet, "/api/me/roles", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

func (c *Client) Roles(ctx context.Context) ([]string, error) {
	me, err := c.Me(ctx)
	if err != nil {
		return nil, err
	}
	return me.Roles, nil
}

func (c *Client) Session(ctx context.Context, id string) (*chat.Session, error) {
	var s chat.Session
	if err := c.send(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Escalate(ctx context.Context, id string) (*chat.Session, error) {
	var s chat.Session
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/escalate", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Resolve(ctx context.Context, id string) (*chat.Session, error) {
	var s chat.Session
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/resolve", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) History(ctx context.Context, id string, limit int) ([]chat.Message, error) {
	path := "/api/sessions/" + url.PathEscape(id) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []chat.Message
	if err := c.send(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) PostMessage(ctx context.Context, id, content string) (*chat.Message, error) {
	var m chat.Message
	body := map[string]string{"content": content}
	if err := c.send(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/messages", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LastMessage returns nil for a session without messages.
func (c *Client) LastMessage(ctx context.Context, id string) (*chat.Message, error) {
	var m *chat.Message
	if err := c.send(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/last-message", nil, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) Profile(ctx context.Context, userID string) (*chat.Profile, error) {
	var p chat.Profile
	if err := c.send(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(userID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListEscalated(ctx context.Context) ([]chat.SessionSummary, error) {
	var list []chat.SessionSummary
	if err := c.send(ctx, http.MethodGet, "/api/console/sessions", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Export is either a download link (server uploads to S3) or the workbook.
type Export struct {
	URL  string
	Data []byte
}

func (c *Client) Export(ctx context.Context, id string) (*Export, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/console/sessions/"+url.PathEscape(id)+"/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") == "application/json" {
		var out struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return &Export{URL: out.URL}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Export{Data: data}, nil
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do returns the response only for 2xx; anything else becomes *APIError.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		var payload struct {
			Error          string `json:"error"`
			NeedEscalation bool   `json:"needEscalation"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.NeedEscalation = payload.NeedEscalation
		}
		return nil, apiErr
	}
	return resp, nil
}
