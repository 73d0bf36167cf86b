// Package redash is the stateless wrapper around the remote query tool's
// HTTP API. Every operation is a single authenticated request/response
// exchange; nothing retries automatically, callers decide whether to
// re-attempt on a later run.
package redash

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrRemote is the single failure signal of the client: transport failures,
// non-2xx statuses and application-level errors all satisfy
// errors.Is(err, ErrRemote). The class is preserved in the concrete error
// type and in the log line, for diagnosis only.
var ErrRemote = errors.New("remote call failed")

// APIError is an application-level rejection: a 200 response whose body
// carries a message field instead of data.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("redash: %s", e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRemote
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("redash: http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("redash: http %d", e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrRemote
}

// TransportError wraps a failure below the HTTP layer (dial, timeout, read).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("redash: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrRemote
}

// PayloadError is a 2xx response whose body does not have the documented
// shape. It is a failure, not a crash.
type PayloadError struct {
	Operation string
	Reason    string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("redash: malformed %s payload: %s", e.Operation, e.Reason)
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrRemote
}

// Status carries the aggregate counters the remote exposes; only the query
// count is used, to plan pagination.
type Status struct {
	QueriesCount    int `json:"queries_count"`
	DashboardsCount int `json:"dashboards_count"`
}

type User struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Query is a query record from the paged listing. User is the embedded
// owner; it is nil for queries owned by deleted or system users.
type Query struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	User *User  `json:"user"`
}

type QueryPage struct {
	Count    int     `json:"count"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Results  []Query `json:"results"`
}

// ACL is a query's current access control list, keyed by access type.
type ACL struct {
	Modify []User `json:"modify"`
}

// Client is the remote boundary consumed by the engines and the CLI.
type Client interface {
	Status(ctx context.Context) (Status, error)
	ListQueries(ctx context.Context, page, pageSize int) (QueryPage, error)
	QueryACL(ctx context.Context, queryID int) (ACL, error)
	GrantModify(ctx context.Context, queryID, userID int) error
	GroupMembers(ctx context.Context, groupID int) ([]User, error)
	GetUser(ctx context.Context, userID int) (User, error)
}

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	Logger     zerolog.Logger
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	logger     zerolog.Logger
}

func NewHTTPClient(opts ClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("redash base url is required")
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("redash api key is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     opts.Logger,
	}, nil
}

func (c *HTTPClient) Status(ctx context.Context) (Status, error) {
	var out Status
	// The status endpoint predates the /api prefix.
	err := c.doJSON(ctx, http.MethodGet, "/status.json", "status", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) ListQueries(ctx context.Context, page, pageSize int) (QueryPage, error) {
	var out QueryPage
	path := fmt.Sprintf("/api/queries?page=%d&page_size=%d", page, pageSize)
	err := c.doJSON(ctx, http.MethodGet, path, "query page", nil, queryPageSchema, &out)
	return out, err
}

func (c *HTTPClient) QueryACL(ctx context.Context, queryID int) (ACL, error) {
	var out ACL
	path := fmt.Sprintf("/api/queries/%d/acl", queryID)
	err := c.doJSON(ctx, http.MethodGet, path, "query acl", nil, nil, &out)
	return out, err
}

func (c *HTTPClient) GrantModify(ctx context.Context, queryID, userID int) error {
	path := fmt.Sprintf("/api/queries/%d/acl", queryID)
	payload := map[string]any{
		"access_type": "modify",
		"user_id":     userID,
	}
	return c.doJSON(ctx, http.MethodPost, path, "grant", payload, nil, nil)
}

func (c *HTTPClient) GroupMembers(ctx context.Context, groupID int) ([]User, error) {
	var out []User
	path := fmt.Sprintf("/api/groups/%d/members", groupID)
	err := c.doJSON(ctx, http.MethodGet, path, "group members", nil, groupMembersSchema, &out)
	return out, err
}

func (c *HTTPClient) GetUser(ctx context.Context, userID int) (User, error) {
	var out User
	path := fmt.Sprintf("/api/users/%d", userID)
	err := c.doJSON(ctx, http.MethodGet, path, "user", nil, nil, &out)
	return out, err
}

// doJSON performs one exchange. A 2xx body is decoded once into a generic
// value so that application errors (a message field in an otherwise-200
// response) and schema violations are caught before the struct decode.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, path, operation string,
	payload any,
	schema payloadSchema,
	out any,
) error {
	if c == nil {
		return fmt.Errorf("redash client is nil")
	}
	var bodyReader io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Str("op", operation).Str("class", "transport").Err(err).Msg("remote call failed")
		return &TransportError{Err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		c.logger.Warn().Str("op", operation).Str("class", "transport").Err(readErr).Msg("remote call failed")
		return &TransportError{Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: decodeMessage(respBody)}
		c.logger.Warn().Str("op", operation).Str("class", "http").Int("status", resp.StatusCode).Msg(httpErr.Error())
		return httpErr
	}

	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		payloadErr := &PayloadError{Operation: operation, Reason: "not valid json"}
		c.logger.Warn().Str("op", operation).Str("class", "payload").Err(err).Msg(payloadErr.Error())
		return payloadErr
	}
	if object, ok := decoded.(map[string]any); ok {
		if message, ok := object["message"].(string); ok && message != "" {
			apiErr := &APIError{Message: message}
			c.logger.Warn().Str("op", operation).Str("class", "application").Msg(apiErr.Error())
			return apiErr
		}
	}
	if schema != nil {
		if err := schema.Validate(decoded); err != nil {
			payloadErr := &PayloadError{Operation: operation, Reason: err.Error()}
			c.logger.Warn().Str("op", operation).Str("class", "payload").Msg(payloadErr.Error())
			return payloadErr
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		payloadErr := &PayloadError{Operation: operation, Reason: err.Error()}
		c.logger.Warn().Str("op", operation).Str("class", "payload").Msg(payloadErr.Error())
		return payloadErr
	}
	return nil
}

func decodeMessage(body []byte) string {
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) != nil {
		return strings.TrimSpace(string(body))
	}
	if message, ok := parsed["message"].(string); ok {
		return message
	}
	if message, ok := parsed["error"].(string); ok {
		return message
	}
	return strings.TrimSpace(string(body))
}
