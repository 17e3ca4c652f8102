// Package ipfs wraps the Kubo-compatible HTTP API and a public gateway.
// Content retrieval tries the gateway first and falls back to the API node.
// Mailbox announcements live in the node's mutable file tree so they can be
// listed incrementally.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

const mailboxRoot = "/agentmarket/mailboxes"

// Client talks to one IPFS API node plus one read gateway.
type Client struct {
	apiURL     string
	gatewayURL string
	http       *http.Client
	log        *slog.Logger
}

// NewClient builds a client for the given API and gateway endpoints.
// Trailing slashes are stripped.
func NewClient(apiURL, gatewayURL string) *Client {
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        logger.Named("ipfs"),
	}
}

type addResponse struct {
	Hash string `json:"Hash"`
}

// Add uploads content to the node and returns its content identifier.
func (c *Client) Add(ctx context.Context, content []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "data")
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeContentUnavailable, err, "build add request")
	}
	if _, err := part.Write(content); err != nil {
		return "", xerrors.Wrap(xerrors.CodeContentUnavailable, err, "build add request")
	}
	if err := form.Close(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeContentUnavailable, err, "build add request")
	}

	raw, err := c.apiPost(ctx, "/api/v0/add", nil, form.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	var decoded addResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeContentUnavailable, err, "decode add response")
	}
	c.log.Debug("content added", slog.String("cid", decoded.Hash), slog.Int("size", len(content)))
	return decoded.Hash, nil
}

// Cat retrieves content by CID. The gateway is tried first; on any gateway
// failure the API node serves as fallback. Gateway retrieval verifies
// integrity by construction of the content address.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	if data, ok := c.catGateway(ctx, cid); ok {
		return data, nil
	}

	data, err := c.apiPost(ctx, "/api/v0/cat", url.Values{"arg": {cid}}, "", nil)
	if err != nil {
		return nil, err
	}
	c.log.Debug("content retrieved via api", slog.String("cid", cid), slog.Int("size", len(data)))
	return data, nil
}

func (c *Client) catGateway(ctx context.Context, cid string) ([]byte, bool) {
	gatewayURL := fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, cid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL, nil)
	if err != nil {
		return nil, false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("gateway unreachable, falling back to api",
			slog.String("cid", cid), slog.Any("error", err))
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Debug("gateway miss, falling back to api",
			slog.String("cid", cid), slog.Int("status", resp.StatusCode))
		return nil, false
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	c.log.Debug("content retrieved via gateway", slog.String("cid", cid), slog.Int("size", len(data)))
	return data, true
}

// Pin asks the node to retain a CID.
func (c *Client) Pin(ctx context.Context, cid string) error {
	_, err := c.apiPost(ctx, "/api/v0/pin/add", url.Values{"arg": {cid}}, "", nil)
	return err
}

// IsConnected reports whether the API node answers at all.
func (c *Client) IsConnected(ctx context.Context) bool {
	_, err := c.apiPost(ctx, "/api/v0/id", nil, "", nil)
	return err == nil
}

// Announcement is one entry on a mailbox topic. Names are zero-padded
// timestamps plus a random suffix, so lexicographic order is arrival order
// and a name doubles as a resumable cursor.
type Announcement struct {
	Name string
	CID  string
}

// Announce records a content identifier on a topic.
func (c *Client) Announce(ctx context.Context, topic, cid string) error {
	name := fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString())
	path := fmt.Sprintf("%s/%s/%s", mailboxRoot, topic, name)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "data")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeContentUnavailable, err, "build announce request")
	}
	if _, err := part.Write([]byte(cid)); err != nil {
		return xerrors.Wrap(xerrors.CodeContentUnavailable, err, "build announce request")
	}
	if err := form.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeContentUnavailable, err, "build announce request")
	}

	params := url.Values{
		"arg":      {path},
		"create":   {"true"},
		"parents":  {"true"},
		"truncate": {"true"},
	}
	if _, err := c.apiPost(ctx, "/api/v0/files/write", params, form.FormDataContentType(), &body); err != nil {
		return err
	}
	c.log.Debug("announced", slog.String("topic", topic), slog.String("cid", cid))
	return nil
}

type lsResponse struct {
	Entries []struct {
		Name string `json:"Name"`
	} `json:"Entries"`
}

// Announcements lists topic entries with names strictly after the cursor,
// oldest first. An empty cursor returns everything. A topic nobody has ever
// announced on yields an empty result, not an error.
func (c *Client) Announcements(ctx context.Context, topic, after string) ([]Announcement, error) {
	dir := fmt.Sprintf("%s/%s", mailboxRoot, topic)
	raw, err := c.apiPost(ctx, "/api/v0/files/ls", url.Values{"arg": {dir}}, "", nil)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, err
	}
	var decoded lsResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContentUnavailable, err, "decode topic listing")
	}

	names := make([]string, 0, len(decoded.Entries))
	for _, entry := range decoded.Entries {
		if entry.Name > after {
			names = append(names, entry.Name)
		}
	}
	sort.Strings(names)

	announcements := make([]Announcement, 0, len(names))
	for _, name := range names {
		content, err := c.apiPost(ctx, "/api/v0/files/read",
			url.Values{"arg": {dir + "/" + name}}, "", nil)
		if err != nil {
			return announcements, err
		}
		announcements = append(announcements, Announcement{
			Name: name,
			CID:  strings.TrimSpace(string(content)),
		})
	}
	return announcements, nil
}

// apiPost issues one Kubo API call and returns the raw response body.
func (c *Client) apiPost(ctx context.Context, endpoint string, params url.Values, contentType string, body io.Reader) ([]byte, error) {
	target := c.apiURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContentUnavailable, err, fmt.Sprintf("build %s request", endpoint))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContentUnavailable, err, fmt.Sprintf("call %s", endpoint),
			xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContentUnavailable, err, fmt.Sprintf("read %s response", endpoint))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeContentUnavailable,
			fmt.Sprintf("%s returned status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	return data, nil
}
