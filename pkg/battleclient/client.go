// Package battleclient talks to the battle service over HTTP and its WebSocket stream.
package battleclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/syntaxsurge/escrowzy-okx-sub005/pkg/battledto"
)

// APIError is a non-2xx answer from the service.
type APIError struct {
	Status int
	battledto.DomainError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("battle api error: status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// Client acts as one user. The user id and session token travel as headers.
type Client struct {
	baseURL string
	http    *fasthttp.Client
	userID  string
	session string

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithSession(token string) Option {
	return func(c *Client) { c.session = token }
}

// WithRetry sets the attempt budget for reads. Writes are never retried.
func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL, userID string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		userID:         userID,
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) FindMatch(ctx context.Context, tolerance int) (*battledto.MatchResponse, error) {
	var out battledto.MatchResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/battles/queue", battledto.QueueRequest{Tolerance: tolerance}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LeaveQueue(ctx context.Context) error {
	return c.doJSON(ctx, fasthttp.MethodDelete, "/v1/battles/queue", nil, nil)
}

func (c *Client) QueueStatus(ctx context.Context) (*battledto.QueueStatusResponse, error) {
	var out battledto.QueueStatusResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/v1/battles/queue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Invite(ctx context.Context, toUserID string) (*battledto.InvitationView, error) {
	var out battledto.InvitationView
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/battles/invitations", battledto.InvitationRequest{ToUserID: toUserID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Invitations(ctx context.Context) ([]battledto.InvitationView, error) {
	var out battledto.InvitationsResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/v1/battles/invitations", nil, &out); err != nil {
		return nil, err
	}
	return out.Invitations, nil
}

func (c *Client) Accept(ctx context.Context, invitationID string) (*battledto.BattleSummary, error) {
	var out battledto.BattleResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/battles/invitations/"+url.PathEscape(invitationID)+"/accept", nil, &out); err != nil {
		return nil, err
	}
	return &out.Battle, nil
}

func (c *Client) Reject(ctx context.Context, invitationID string) (*battledto.InvitationView, error) {
	var out battledto.InvitationView
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/battles/invitations/"+url.PathEscape(invitationID)+"/reject", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Battle(ctx context.Context, battleID string) (*battledto.BattleResponse, error) {
	var out battledto.BattleResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/v1/battles/"+url.PathEscape(battleID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Act(ctx context.Context, battleID, action string) (*battledto.ActionResponse, error) {
	var out battledto.ActionResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/battles/"+url.PathEscape(battleID)+"/actions", battledto.ActionRequest{Action: action}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ready(ctx context.Context, battleID string) (bool, error) {
	var out battledto.ReadyResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/battles/"+url.PathEscape(battleID)+"/ready", nil, &out); err != nil {
		return false, err
	}
	return out.BothReady, nil
}

func (c *Client) History(ctx context.Context, limit int) ([]battledto.HistoryEntry, error) {
	path := "/v1/battles/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out battledto.HistoryResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Battles, nil
}

func (c *Client) Discount(ctx context.Context) (*battledto.DiscountResponse, error) {
	var out battledto.DiscountResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/v1/battles/discount", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-User-Id", c.userID)
	if c.session != "" {
		req.Header.Set("X-Session-Token", c.session)
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if method == fasthttp.MethodGet && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				if out != nil && len(resp.Body()) > 0 {
					if err := json.Unmarshal(resp.Body(), out); err != nil {
						return fmt.Errorf("decode response: %w", err)
					}
				}
				return nil
			}
			lastErr = decodeAPIError(status, resp.Body())
			if !shouldRetryStatus(status) {
				return lastErr
			}
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func decodeAPIError(status int, body []byte) error {
	var er battledto.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Code == "" {
		return &APIError{Status: status, DomainError: battledto.DomainError{Code: "http_" + strconv.Itoa(status), Message: truncate(string(body), 256)}}
	}
	return &APIError{Status: status, DomainError: er.Error}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
