// Package amap talks to the AMap-style place-search vendor: the raw upstream
// client the forwarder uses and the self-proxy page fetcher the crawl engine
// uses.
package amap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodyBytes bounds upstream response reads; a place page is a few hundred
// KB at most.
const maxBodyBytes = 8 << 20

// Client issues raw GETs against the vendor base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs the upstream client. proxyURL may be empty. TLS
// verification is disabled for compatibility with legacy deployments that
// pin an outdated vendor chain behind corporate proxies.
func NewClient(baseURL string, timeout time.Duration, proxyURL string) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- legacy compat, see above
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("op=amap.new_client: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}, nil
}

// Get performs one GET against baseURL/<endpoint> with params and returns the
// raw status and body.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (int, []byte, error) {
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("op=amap.get: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("op=amap.get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("op=amap.get: read body: %w", err)
	}
	return resp.StatusCode, body, nil
}
