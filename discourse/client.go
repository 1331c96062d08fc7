// Package discourse is a light-weight client for the Discourse admin API
// endpoints the importer needs.
package discourse

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/mbox-to-discourse/model"
)

const (
	SessionCookie  = "_forum_session"
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 16 << 20
	maxUserPages     = 10000
)

var (
	ErrNoSession         = errors.New("discourse did not return a session cookie")
	ErrMalformedResponse = errors.New("malformed discourse response")
)

type Options struct {
	Address     string
	APIUsername string
	APIKey      string
	// VerifyTLS toggles certificate verification of the forum endpoint.
	VerifyTLS bool
	Timeout   time.Duration
}

// StatusError is returned for any non-success HTTP status. It keeps the
// response headers and body for diagnostics.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

type Client struct {
	opts   Options
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Client, error) {
	address := strings.TrimRight(strings.TrimSpace(opts.Address), "/")
	if address == "" {
		return nil, fmt.Errorf("discourse address is empty")
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse discourse address: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("discourse address %q must be http or https", address)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !opts.VerifyTLS,
	}

	return &Client{
		opts: opts,
		base: base,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			Jar:       jar,
		},
		logger: logger,
	}, nil
}

// Connect opens a session. The session cookie lives in the client's cookie
// jar and is replayed on later calls.
func (c *Client) Connect(ctx context.Context) error {
	resp, _, err := c.do(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return err
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == SessionCookie {
			c.logger.Debug("discourse session established", "address", c.base.String())
			return nil
		}
	}
	return ErrNoSession
}

// Ping fetches the category listing, which succeeds even on an empty forum.
func (c *Client) Ping(ctx context.Context) error {
	const path = "/categories.json"
	resp, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode, Header: resp.Header, Body: string(body)}
	}
	return nil
}

// ListActiveUsers returns every active account, following pagination.
func (c *Client) ListActiveUsers(ctx context.Context) ([]model.RemoteUser, error) {
	var (
		users []model.RemoteUser
		seen  = make(map[int]bool)
	)
	for page := 1; page <= maxUserPages; page++ {
		var batch []model.RemoteUser
		query := url.Values{"page": {strconv.Itoa(page)}}
		if err := c.getJSON(ctx, http.MethodGet, "/admin/users/list/active.json", query, nil, &batch); err != nil {
			return nil, err
		}

		added := 0
		for _, u := range batch {
			if seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			users = append(users, u)
			added++
		}
		if added == 0 {
			break
		}
	}
	return users, nil
}

// UserEmail returns the canonical email of an account. The listing call
// does not expose it.
func (c *Client) UserEmail(ctx context.Context, id int, username string) (string, error) {
	form := url.Values{"context": {fmt.Sprintf("/admin/users/%d/%s", id, username)}}
	var out struct {
		Email string `json:"email"`
	}
	path := "/users/" + username + "/emails.json"
	if err := c.getJSON(ctx, http.MethodPut, path, nil, form, &out); err != nil {
		return "", err
	}
	if out.Email == "" {
		return "", fmt.Errorf("%w: no email for user %s", ErrMalformedResponse, username)
	}
	return out.Email, nil
}

type NewUser struct {
	Name     string
	Username string
	Email    string
	Password string
}

// CreateUser registers an already activated account.
func (c *Client) CreateUser(ctx context.Context, u NewUser) error {
	form := url.Values{
		"name":     {u.Name},
		"username": {u.Username},
		"email":    {u.Email},
		"password": {u.Password},
		"active":   {"true"},
		"approved": {"true"},
	}
	var out struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := c.getJSON(ctx, http.MethodPost, "/users", nil, form, &out); err != nil {
		return err
	}
	if out.Success != nil && !*out.Success {
		return fmt.Errorf("create user %s: %s", u.Username, out.Message)
	}
	return nil
}

// Post is a new topic, or a reply when TopicID is set.
type Post struct {
	CategoryID int
	Title      string
	Raw        string
	TopicID    int
	CreatedAt  time.Time
}

// CreatePost creates a topic or a reply and returns the topic id.
func (c *Client) CreatePost(ctx context.Context, p Post) (int, error) {
	form := url.Values{
		"archetype":   {"regular"},
		"nested_post": {"true"},
		"title":       {p.Title},
		"raw":         {p.Raw},
	}
	if p.CategoryID > 0 {
		form.Set("category", strconv.Itoa(p.CategoryID))
	}
	if p.TopicID > 0 {
		form.Set("topic_id", strconv.Itoa(p.TopicID))
	}
	if !p.CreatedAt.IsZero() {
		form.Set("created_at", p.CreatedAt.UTC().Format(time.RFC3339))
	}

	var out struct {
		TopicID int `json:"topic_id"`
		Post    *struct {
			TopicID int `json:"topic_id"`
		} `json:"post"`
	}
	if err := c.getJSON(ctx, http.MethodPost, "/posts", nil, form, &out); err != nil {
		return 0, err
	}

	topicID := out.TopicID
	if out.Post != nil && out.Post.TopicID != 0 {
		topicID = out.Post.TopicID
	}
	if topicID == 0 {
		return 0, fmt.Errorf("%w: POST /posts returned no topic_id", ErrMalformedResponse)
	}
	return topicID, nil
}

func (c *Client) getJSON(ctx context.Context, method, path string, query, form url.Values, out any) error {
	_, body, err := c.do(ctx, method, path, query, form)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrMalformedResponse, method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) (*http.Response, []byte, error) {
	target := c.base.JoinPath(path)
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = bytes.NewBufferString(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Key", c.opts.APIKey)
	req.Header.Set("Api-Username", c.opts.APIUsername)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.logger.Debug("discourse call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, body, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Header: resp.Header, Body: string(body)}
	}
	return resp, body, nil
}
