// Package hub is a client for the model hub HTTP API: token login, repo
// creation, folder upload with large-file storage and snapshot download.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultEndpoint is the public hub.
const DefaultEndpoint = "https://huggingface.co"

// DefaultRevision is the branch used when none is given.
const DefaultRevision = "main"

// ErrNoToken is returned when no access token is configured.
var ErrNoToken = errors.New("no hub token: set HF_TOKEN")

// ErrUnsafePath is returned when a repository path would be written outside
// the snapshot directory.
var ErrUnsafePath = errors.New("path escapes snapshot directory")

// RepoType selects the repository namespace.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// urlPrefix is the path segment used in git and resolve URLs.
func (t RepoType) urlPrefix() string {
	switch t {
	case RepoTypeDataset:
		return "datasets/"
	case RepoTypeSpace:
		return "spaces/"
	default:
		return ""
	}
}

// apiPath is the plural segment used by /api/<type>s/ routes.
func (t RepoType) apiPath() string {
	if t == "" {
		t = RepoTypeModel
	}
	return string(t) + "s"
}

// HTTPError is a non-success reply from the hub.
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("hub %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

// IsStatus reports whether err is an HTTPError with the given status.
func IsStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == status
}

// TokenFromEnv returns HF_TOKEN, falling back to HUGGING_FACE_HUB_TOKEN.
func TokenFromEnv() string {
	if t := os.Getenv("HF_TOKEN"); t != "" {
		return t
	}
	return os.Getenv("HUGGING_FACE_HUB_TOKEN")
}

// Client talks to one hub endpoint with a bearer token.
type Client struct {
	endpoint string
	token    string

	// api carries the bearer token. storage does not: presigned
	// large-file upload URLs reject extra Authorization headers.
	api     *http.Client
	storage *http.Client
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	endpoint string
	base     *http.Client
}

// WithEndpoint points the client at another hub.
func WithEndpoint(endpoint string) Option {
	return func(o *clientOptions) { o.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.base = c }
}

// NewClient creates a client. An empty token makes every authenticated
// call fail with ErrNoToken.
func NewClient(token string, opts ...Option) *Client {
	o := clientOptions{
		endpoint: DefaultEndpoint,
		base:     &http.Client{Timeout: 10 * time.Minute},
	}
	if env := os.Getenv("HF_ENDPOINT"); env != "" {
		o.endpoint = strings.TrimRight(env, "/")
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)
	api := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
	api.Timeout = o.base.Timeout

	return &Client{
		endpoint: o.endpoint,
		token:    token,
		api:      api,
		storage:  o.base,
	}
}

// Endpoint returns the hub base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// User is the account behind the token.
type User struct {
	Name     string `json:"name"`
	FullName string `json:"fullname"`
	Type     string `json:"type"`
	Orgs     []struct {
		Name string `json:"name"`
	} `json:"orgs"`
}

// WhoAmI returns the account the token belongs to.
func (c *Client) WhoAmI(ctx context.Context) (User, error) {
	var u User
	err := c.doJSON(ctx, http.MethodGet, "/api/whoami-v2", nil, &u)
	return u, err
}

// Login verifies the token and returns the user name.
func (c *Client) Login(ctx context.Context) (string, error) {
	u, err := c.WhoAmI(ctx)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return u.Name, nil
}

func (c *Client) url(path string) string {
	return c.endpoint + path
}

// do sends an authenticated request and returns the response when the
// status is 2xx. The caller closes the body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	if c.token == "" {
		return nil, ErrNoToken
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.url(path)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// doJSON sends in as JSON (when non-nil) and decodes the reply into out
// (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	header := http.Header{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus closes the body and returns an HTTPError on non-2xx replies.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.Redacted(),
		Body:       string(b),
	}
}
