// Package client is a thin HTTP client for the capsule control plane, used
// by the operator CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/projecteru2/capsule/server"
	"github.com/projecteru2/capsule/types"
)

const requestTimeout = 5 * time.Minute

// Client talks to one capsule daemon.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New creates a Client for the daemon at baseURL. token may be empty when
// the daemon runs without authentication.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: requestTimeout},
	}
}

// call posts one RPC request and decodes the response into out.
func (c *Client) call(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := c.baseURL + "/prpc/Capsule." + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		rb, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(rb, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", method, e.Error)
		}
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, rb)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	return nil
}

// CreateVM provisions a new instance and returns its ID.
func (c *Client) CreateVM(ctx context.Context, req *server.CreateVMRequest) (string, error) {
	var resp server.IDResponse
	if err := c.call(ctx, "CreateVm", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) StartVM(ctx context.Context, id string) error {
	return c.call(ctx, "StartVm", server.IDRequest{ID: id}, nil)
}

func (c *Client) StopVM(ctx context.Context, id string) error {
	return c.call(ctx, "StopVm", server.IDRequest{ID: id}, nil)
}

func (c *Client) RemoveVM(ctx context.Context, id string) error {
	return c.call(ctx, "RemoveVm", server.IDRequest{ID: id}, nil)
}

func (c *Client) ResizeVM(ctx context.Context, req *server.ResizeVMRequest) error {
	return c.call(ctx, "ResizeVm", req, nil)
}

// UpgradeApp returns the re-derived application ID, empty when the compose
// was unchanged.
func (c *Client) UpgradeApp(ctx context.Context, req *server.UpgradeAppRequest) (string, error) {
	var resp server.IDResponse
	if err := c.call(ctx, "UpgradeApp", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var resp server.StatusResponse
	if err := c.call(ctx, "Status", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListImages(ctx context.Context) ([]server.ImageInfo, error) {
	var resp server.ImageListResponse
	if err := c.call(ctx, "ListImages", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// GetInfo returns (nil, nil) when the instance does not exist.
func (c *Client) GetInfo(ctx context.Context, id string) (*types.InstanceInfo, error) {
	var resp server.GetInfoResponse
	if err := c.call(ctx, "GetInfo", server.IDRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Info, nil
}

func (c *Client) GetMeta(ctx context.Context) (*server.GetMetaResponse, error) {
	var resp server.GetMetaResponse
	if err := c.call(ctx, "GetMeta", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetAppEnvEncryptPubKey(ctx context.Context, appID string) (string, error) {
	var resp server.PublicKeyResponse
	if err := c.call(ctx, "GetAppEnvEncryptPubKey", server.AppIDRequest{AppID: appID}, &resp); err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}
