// Package directory talks to the omnichannel admin API that is the
// system of record for agent presence and for the authoritative assign
// action. The engine treats it as unreliable: slow, stale, or down.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Agent is the directory's view of one human agent.
type Agent struct {
	ID                   int64  `json:"id"`
	Name                 string `json:"name"`
	Email                string `json:"email"`
	IsAvailable          bool   `json:"is_available"`
	CurrentCustomerCount int    `json:"current_customer_count"`
}

// Client is an HTTP client for the agent directory.
type Client struct {
	baseURL    string
	appID      string
	secretKey  string
	divisionID int64
	http       *http.Client
}

// New creates a directory client. Every call is bounded by timeout.
func New(baseURL, appID, secretKey string, divisionID int64, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		appID:      appID,
		secretKey:  secretKey,
		divisionID: divisionID,
		http:       &http.Client{Timeout: timeout},
	}
}

// ListAgents fetches the agents of the configured division with their
// presence flags and externally-known session counts.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	q := url.Values{}
	q.Set("division_ids[]", strconv.FormatInt(c.divisionID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v2/admin/agents/by_division?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list agents: directory returned %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}

	var payload struct {
		Data []Agent `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("list agents: decode: %w", err)
	}
	return payload.Data, nil
}

// Assign performs the authoritative assignment in the directory service.
// A non-2xx response (e.g. a capacity conflict raced in by another
// operator) is returned as an error with the directory's message.
func (c *Client) Assign(ctx context.Context, roomID, agentID int64) error {
	body, err := json.Marshal(map[string]interface{}{
		"room_id":              strconv.FormatInt(roomID, 10),
		"agent_id":             agentID,
		"replace_latest_agent": false,
		"max_agent":            1,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/admin/service/assign_agent", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("assign agent: directory returned %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}
	return nil
}

// Resolve marks the room resolved in the directory service. The platform
// then delivers a mark-resolved webhook back, so bulk resolution flows
// through the ordinary resolution path.
func (c *Client) Resolve(ctx context.Context, roomID int64) error {
	form := url.Values{}
	form.Set("room_id", strconv.FormatInt(roomID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/admin/service/mark_as_resolved", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resolve room: directory returned %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	req.Header.Set("Qiscus-App-Id", c.appID)
	req.Header.Set("Qiscus-Secret-Key", c.secretKey)
}

func readBodyPrefix(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}
