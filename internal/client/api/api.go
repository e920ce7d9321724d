// Package api is the HTTP client for the request/response collaborator:
// conversation and history fetches, username lookups, unread hydration, and
// the find-or-create fallback for direct conversations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seamchat/seam/internal/wire"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the REST endpoints rooted at baseURL
// (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.roundTrip(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.roundTrip(req, out)
}

func (c *Client) roundTrip(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Conversations(ctx context.Context, userID string) ([]wire.Conversation, error) {
	var convos []wire.Conversation
	err := c.get(ctx, "/api/users/"+url.PathEscape(userID)+"/conversations", &convos)
	return convos, err
}

// Messages fetches the conversation history, oldest first. A limit of zero
// fetches the server default.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var msgs []wire.Message
	err := c.get(ctx, path, &msgs)
	return msgs, err
}

// UsersByID resolves usernames for a set of user ids.
func (c *Client) UsersByID(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	var users []wire.PresenceUser
	path := "/api/users?ids=" + url.QueryEscape(strings.Join(ids, ","))
	if err := c.get(ctx, path, &users); err != nil {
		return nil, err
	}
	return toDirectory(users), nil
}

// Directory fetches the full user directory.
func (c *Client) Directory(ctx context.Context) (map[string]string, error) {
	var users []wire.PresenceUser
	if err := c.get(ctx, "/api/users", &users); err != nil {
		return nil, err
	}
	return toDirectory(users), nil
}

func (c *Client) UnreadCounts(ctx context.Context, userID string) ([]wire.UnreadCount, error) {
	var counts []wire.UnreadCount
	err := c.get(ctx, "/api/users/"+url.PathEscape(userID)+"/unread-counts", &counts)
	return counts, err
}

// CreateDirect finds or creates the direct conversation between the two
// usernames. The server treats the pair as unordered, so retries are safe.
func (c *Client) CreateDirect(ctx context.Context, username, otherUsername string) (*wire.Conversation, error) {
	body := map[string]string{"username": username, "other_username": otherUsername}
	var conv wire.Conversation
	if err := c.post(ctx, "/api/conversations/direct", body, &conv); err != nil {
		return nil, err
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("direct conversation: empty response")
	}
	return &conv, nil
}

func toDirectory(users []wire.PresenceUser) map[string]string {
	out := make(map[string]string, len(users))
	for _, u := range users {
		if u.UserID != "" && u.Username != "" {
			out[u.UserID] = u.Username
		}
	}
	return out
}
