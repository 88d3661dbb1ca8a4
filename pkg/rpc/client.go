package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tlogd/pkg/dberrors"
	"tlogd/pkg/tlog"
	"tlogd/pkg/types"

	"github.com/google/uuid"
)

// Client talks to one log server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// RemoteError is an error reply whose code is not one of the dberrors sentinels.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

type envelope struct {
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

type logIDRequest struct {
	LogID types.LogID `json:"logId"`
}

type popControlRequest struct {
	UID string `json:"uid"`
}

// NewClient returns a client for the log server at baseURL. Peeks may block for the
// server's peek wait, so timeout should exceed it.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Recruit(ctx context.Context, req tlog.InitializeRequest) (tlog.Interface, error) {
	var iface tlog.Interface
	err := c.call(ctx, http.MethodPost, "/v1/recruit", req, &iface)
	return iface, err
}

// Recruitment returns the outcome of a recruitment the server has seen.
func (c *Client) Recruitment(ctx context.Context, id uuid.UUID) (tlog.Interface, error) {
	var iface tlog.Interface
	err := c.call(ctx, http.MethodGet, "/v1/recruit/"+id.String(), nil, &iface)
	return iface, err
}

func (c *Client) Commit(ctx context.Context, req tlog.CommitRequest) (tlog.CommitReply, error) {
	var reply tlog.CommitReply
	err := c.call(ctx, http.MethodPost, "/v1/commit", req, &reply)
	return reply, err
}

func (c *Client) Peek(ctx context.Context, req tlog.PeekRequest) (tlog.PeekReply, error) {
	var reply tlog.PeekReply
	err := c.call(ctx, http.MethodPost, "/v1/peek", req, &reply)
	return reply, err
}

func (c *Client) Pop(ctx context.Context, req tlog.PopRequest) error {
	return c.call(ctx, http.MethodPost, "/v1/pop", req, nil)
}

func (c *Client) Lock(ctx context.Context, logID types.LogID) ([]tlog.LockResult, error) {
	var res []tlog.LockResult
	err := c.call(ctx, http.MethodPost, "/v1/lock", logIDRequest{LogID: logID}, &res)
	return res, err
}

func (c *Client) ConfirmRunning(ctx context.Context, logID types.LogID) error {
	return c.call(ctx, http.MethodPost, "/v1/confirm", logIDRequest{LogID: logID}, nil)
}

func (c *Client) DisablePop(ctx context.Context, uid string) error {
	return c.call(ctx, http.MethodPost, "/v1/pop/disable", popControlRequest{UID: uid}, nil)
}

func (c *Client) EnablePop(ctx context.Context, uid string) error {
	return c.call(ctx, http.MethodPost, "/v1/pop/enable", popControlRequest{UID: uid}, nil)
}

func (c *Client) QueuingMetrics(ctx context.Context) ([]tlog.QueuingMetrics, error) {
	var res []tlog.QueuingMetrics
	err := c.call(ctx, http.MethodGet, "/v1/queuing-metrics", nil, &res)
	return res, err
}

// call sends body as JSON and decodes the value of the reply envelope into out. Error
// replies come back as the matching dberrors sentinel when the code is known.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s reply: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("decode %s: %w status=%d body=%s", path, err, resp.StatusCode, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, env)
	}

	if out == nil || len(env.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Value, out); err != nil {
		return fmt.Errorf("decode %s value: %w", path, err)
	}
	return nil
}

func decodeError(status int, env envelope) error {
	remote := &RemoteError{Status: status, Code: env.Code, Message: env.Error}
	if sentinel := dberrors.FromCode(env.Code); sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, remote)
	}
	return remote
}
