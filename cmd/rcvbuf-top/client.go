package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/rcvbuf/internal/demux"
	"github.com/zsiec/rcvbuf/internal/server"
	"github.com/zsiec/rcvbuf/pkg/version"
)

// apiClient reads the receiver's stats API.
type apiClient struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

func newAPIClient(baseURL string, useHTTP3, insecure bool, timeout time.Duration) *apiClient {
	client := &http.Client{Timeout: timeout}
	if useHTTP3 {
		client.Transport = &http3.RoundTripper{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
		}
	} else if insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
		}
	}

	return &apiClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      client,
		userAgent: version.GetInfo().UserAgent("rcvbuf-top"),
	}
}

func (c *apiClient) buffer(ctx context.Context) (server.BufferResponse, error) {
	var resp server.BufferResponse
	err := c.get(ctx, "/api/v1/buffer", &resp)
	return resp, err
}

func (c *apiClient) streams(ctx context.Context) (demux.Snapshot, error) {
	var snap demux.Snapshot
	err := c.get(ctx, "/api/v1/streams", &snap)
	return snap, err
}

func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
