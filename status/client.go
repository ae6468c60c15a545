package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultClientTimeout bounds every request of the client.
const defaultClientTimeout = 30 * time.Second

// Client talks to the auction endpoints of a status server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the status server at the given address. The
// address may omit the scheme, plain http is assumed then.
func NewClient(address, urlPrefix string) *Client {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	return &Client{
		baseURL: strings.TrimRight(address, "/") + urlPrefix,
		http: &http.Client{
			Timeout: defaultClientTimeout,
		},
	}
}

// Schedule returns the current and next round.
func (c *Client) Schedule(ctx context.Context) (*ScheduleInfo, error) {
	var info ScheduleInfo
	err := c.do(ctx, http.MethodGet, schedulePath, nil, &info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// Books returns a snapshot of every book.
func (c *Client) Books(ctx context.Context) ([]*BookInfo, error) {
	var books []*BookInfo
	if err := c.do(ctx, http.MethodGet, booksPath, nil, &books); err != nil {
		return nil, err
	}

	return books, nil
}

// Params returns the governed parameters in effect.
func (c *Client) Params(ctx context.Context) (*ParamsInfo, error) {
	var p ParamsInfo
	if err := c.do(ctx, http.MethodGet, paramsPath, nil, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// SetPrice publishes a new oracle price for the collateral.
func (c *Client) SetPrice(ctx context.Context, collateral,
	price string) error {

	req := &PriceRequest{
		Collateral: collateral,
		Price:      price,
	}
	return c.do(ctx, http.MethodPost, adminPricePath, req, nil)
}

// UpdateParams replaces the governed parameters.
func (c *Client) UpdateParams(ctx context.Context, p *ParamsInfo) error {
	return c.do(ctx, http.MethodPost, adminParamsPath, p, nil)
}

// Tick advances the auction timer right away.
func (c *Client) Tick(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, adminTickPath, nil, nil)
}

// CloseBooks exits the seats of all queued bids.
func (c *Client) CloseBooks(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, adminCloseBooksPath, nil, nil)
}

// do sends a request to the endpoint with the given path template and decodes
// the answer into resp if it's not nil.
func (c *Client) do(ctx context.Context, method, path string, body,
	resp interface{}) error {

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	url := fmt.Sprintf(path, c.baseURL)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		err := json.NewDecoder(httpResp.Body).Decode(&errResp)
		if err != nil || errResp.Error == "" {
			return fmt.Errorf("%v %v: %v", method, url,
				httpResp.Status)
		}

		return fmt.Errorf("%v %v: %v", method, url, errResp.Error)
	}

	if resp == nil || httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(httpResp.Body).Decode(resp)
}
