package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// Options configure the shared outbound client.
type Options struct {
	// VerifyTLS is on by default; disabling it is for lab setups only.
	VerifyTLS bool
	// CABundle is a path to a PEM bundle appended to the system roots.
	CABundle string
	// ClientCert/ClientKey are paths to a PEM client certificate pair.
	ClientCert string
	ClientKey  string

	ConnectTimeout time.Duration
}

// Client is the connection-pooled HTTP client for all upstream calls.
// There is no overall client timeout: streams may last minutes, so
// deadlines belong on the per-request context.
type Client struct {
	http *http.Client
}

func NewClient(opts Options) (*Client, error) {
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = 5 * time.Second
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !opts.VerifyTLS}
	if opts.CABundle != "" {
		pem, err := os.ReadFile(opts.CABundle)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no certificates", opts.CABundle)
		}
		tlsCfg.RootCAs = pool
	}
	if opts.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   connect,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{http: &http.Client{Transport: transport}}, nil
}

// PostJSON issues a JSON POST and returns the raw response. The caller owns
// the body and the context deadline.
func (c *Client) PostJSON(ctx context.Context, baseURL, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, BuildURL(baseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

// Stream issues a JSON POST expecting a streaming response body. The body is
// never buffered; cancelling ctx tears down the connection.
func (c *Client) Stream(ctx context.Context, baseURL, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, BuildURL(baseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	return c.http.Do(req)
}

// Get issues a GET against the upstream.
func (c *Client) Get(ctx context.Context, baseURL, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildURL(baseURL, path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

// HTTPClient exposes the pooled client for probe loops.
func (c *Client) HTTPClient() *http.Client { return c.http }

// BuildURL joins a base URL and path, collapsing a duplicated /v1 segment so
// bases declared with or without the version prefix both work.
func BuildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}
