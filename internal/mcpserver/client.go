package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/agentbattle/internal/retry"
)

// Config holds the configuration for connecting to a battle server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Role   string // Default actor for submitted intents: requester, provider or system

	// Retry governs transport failures and 502-504 answers, including the
	// server's 503 "busy" for a contended session. Zero uses retry.DefaultPolicy.
	Retry retry.Policy
}

// BattleClient is a pure HTTP client for the battle server API.
type BattleClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewBattleClient creates a new client for the battle server.
func NewBattleClient(cfg Config) *BattleClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &BattleClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError is returned for 4xx and 5xx responses. Code is the server's
// machine-readable error name when it sent one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// doRequest makes an HTTP request to the server and returns the response
// body, retrying transient failures. Error responses with a JSON body return
// that body too.
func (c *BattleClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		raw, err := c.once(ctx, method, path, query, body)
		out = raw
		if transient(method, err) {
			return err
		}
		return retry.Permanent(err)
	})
	return out, err
}

// transient reports whether a retry is safe and useful. A POST that failed
// in transport may have been applied, so only GETs retry those.
func transient(method string, err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return method == http.MethodGet
}

func (c *BattleClient) once(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid URL: %w", err))
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return respBody, &APIError{Status: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

// CreateSession starts a new battle. Zero-valued fields keep server defaults.
func (c *BattleClient) CreateSession(ctx context.Context, requesterStable, providerStable string, maxRounds int) (json.RawMessage, error) {
	body := map[string]any{}
	if requesterStable != "" {
		body["requesterStable"] = requesterStable
	}
	if providerStable != "" {
		body["providerStable"] = providerStable
	}
	if maxRounds > 0 {
		body["maxRounds"] = maxRounds
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/sessions", nil, body)
}

// Summary returns the plain-text battle summary.
func (c *BattleClient) Summary(ctx context.Context, sessionID string, recent int) (string, error) {
	q := url.Values{"format": {"text"}}
	if recent > 0 {
		q.Set("recent", strconv.Itoa(recent))
	}
	raw, err := c.doRequest(ctx, http.MethodGet, sessionPath(sessionID, "/summary"), q, nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Timeline returns events after seq since, at most limit of them.
func (c *BattleClient) Timeline(ctx context.Context, sessionID string, since, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.Itoa(since))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, sessionPath(sessionID, "/timeline"), q, nil)
}

// Actions returns the intents the session would currently accept.
func (c *BattleClient) Actions(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, sessionPath(sessionID, "/actions"), nil, nil)
}

// Dispatch submits an intent envelope. A rejected intent returns the
// server's body alongside an *APIError.
func (c *BattleClient) Dispatch(ctx context.Context, sessionID string, envelope map[string]any) (json.RawMessage, error) {
	if _, ok := envelope["actor"]; !ok && c.cfg.Role != "" {
		envelope["actor"] = c.cfg.Role
	}
	return c.doRequest(ctx, http.MethodPost, sessionPath(sessionID, "/intents"), nil, envelope)
}

func sessionPath(id, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(id) + suffix
}
