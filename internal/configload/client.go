package configload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
)

// Client is a thin wrapper over the banking application's administrative
// REST API for one tenant. It never retries; retry policy lives in the
// orchestrator.
type Client struct {
	http *resty.Client
}

// NewClient builds a client scoped to a tenant via the platform tenant
// header, authenticated with the application credentials for this run.
func NewClient(baseURL, tenantID, username, password string, timeout time.Duration) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(username, password).
		SetHeader("Fineract-Platform-TenantId", tenantID).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetRetryCount(0)
	return &Client{http: http}
}

// WithToken switches the client to bearer-token authentication. Used by
// the access verifier after logging in as the new admin.
func (c *Client) WithToken(token string) *Client {
	http := c.http.Clone().SetAuthToken(token)
	http.UserInfo = nil
	return &Client{http: http}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	return c.finish(resp, err, path, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	return c.finish(resp, err, path, out)
}

func (c *Client) put(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Put(path)
	return c.finish(resp, err, path, out)
}

func (c *Client) finish(resp *resty.Response, err error, path string, out interface{}) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return errs.New(errs.KindTransient, err)
		}
		return errs.New(errs.KindTransient, fmt.Errorf("call %s: %w", path, err))
	}
	code := resp.StatusCode()
	switch {
	case code >= 500 || code == 408 || code == 429:
		return errs.Newf(errs.KindTransient, "call %s: status %d: %s", path, code, resp.String())
	case code == 409:
		return errs.Newf(errs.KindConflict, "call %s: status %d: %s", path, code, resp.String())
	case code >= 400:
		return errs.Newf(errs.KindProtocol, "call %s: status %d: %s", path, code, resp.String())
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errs.New(errs.KindProtocol, fmt.Errorf("decode %s response: %w", path, err))
		}
	}
	return nil
}
