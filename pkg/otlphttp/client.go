// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package otlphttp exports pdata metrics over OTLP/HTTP with protobuf
// encoding.
package otlphttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"golang.org/x/oauth2"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
)

const (
	maxHTTPResponseReadBytes = 64 * 1024

	protobufContentType = "application/x-protobuf"

	defaultTimeout = 10 * time.Second
)

// ErrExportFailed is wrapped by every error caused by a non-2xx response.
var ErrExportFailed = errors.New("failed to export metrics")

type Config struct {
	MetricsEndpoint string
	TLSConfig       *tls.Config
	Middleware      []MiddlewareOption
	// TokenSource is optional. When set every request carries its bearer
	// token.
	TokenSource oauth2.TokenSource
	UserAgent   string
	Timeout     time.Duration
	Logger      hclog.Logger
}

type Client struct {
	metricsEndpointURL *url.URL
	userAgent          string
	client             *http.Client
	logger             hclog.Logger
}

// StaticToken returns a token source that always yields token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

func New(cfg *Config) (*Client, error) {
	client := &Client{
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
	if client.logger == nil {
		client.logger = hclog.NewNullLogger()
	}
	if err := client.SetMetricsEndpoint(cfg.MetricsEndpoint); err != nil {
		return nil, err
	}

	tlsTransport := cleanhttp.DefaultPooledTransport()
	tlsTransport.TLSClientConfig = cfg.TLSConfig

	var transport http.RoundTripper = tlsTransport
	if cfg.TokenSource != nil {
		transport = &oauth2.Transport{
			Base:   tlsTransport,
			Source: cfg.TokenSource,
		}
	}
	transport = &middlewareTransport{
		base:       transport,
		middleware: cfg.Middleware,
		logger:     client.logger,
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client.client = &http.Client{Transport: transport, Timeout: timeout}

	return client, nil
}

func (c *Client) SetMetricsEndpoint(endpoint string) error {
	metricsEndpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("bad metrics endpoint url %q: %w", endpoint, err)
	}
	if metricsEndpointURL.Scheme != "http" && metricsEndpointURL.Scheme != "https" {
		return fmt.Errorf("bad metrics endpoint url %q: scheme must be http or https", endpoint)
	}
	c.metricsEndpointURL = metricsEndpointURL
	return nil
}

func (c *Client) ExportMetrics(ctx context.Context, m pmetric.Metrics) error {
	er := pmetricotlp.NewExportRequestFromMetrics(m)
	body, err := er.MarshalProto()
	if err != nil {
		return fmt.Errorf("failed to marshal export request: %w", err)
	}

	return c.export(ctx, c.metricsEndpointURL.String(), body)
}

func (c *Client) export(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build http request: %w", err)
	}
	req.Header.Set("Content-Type", protobufContentType)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make an HTTP request: %w", err)
	}

	defer func() {
		// Discard any remaining response body when we are done reading.
		io.CopyN(io.Discard, resp.Body, maxHTTPResponseReadBytes) // nolint:errcheck
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		c.logger.Trace("exported metrics", "url", url, "bytes", len(body))
		return nil
	}

	// Use the status if it is present in the response.
	if respStatus := readResponseStatus(resp); respStatus != nil {
		return fmt.Errorf("%w: request to %s responded with HTTP Status Code %d, Code=%s, Message=%s",
			ErrExportFailed, url, resp.StatusCode, codes.Code(respStatus.Code), respStatus.Message)
	}
	return fmt.Errorf("%w: request to %s responded with HTTP Status Code %d",
		ErrExportFailed, url, resp.StatusCode)
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	if resp.ContentLength == 0 {
		return nil, nil
	}

	maxRead := resp.ContentLength

	// A ContentLength of -1 means the header was not sent, so read up to the
	// permitted body size.
	if maxRead == -1 || maxRead > maxHTTPResponseReadBytes {
		maxRead = maxHTTPResponseReadBytes
	}
	protoBytes := make([]byte, maxRead)
	n, err := io.ReadFull(resp.Body, protoBytes)

	// No bytes read and an EOF error indicates there is no body to read.
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return nil, nil
	}

	// Without a Content-Length io.ReadFull reports ErrUnexpectedEOF once it
	// reads past the end of the body, which still holds the full message.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}

	return protoBytes[:n], nil
}

// readResponseStatus decodes the protobuf Status carried by 4xx and 5xx
// responses. It returns nil if the body is empty or cannot be decoded.
func readResponseStatus(resp *http.Response) *status.Status {
	if resp.StatusCode < 400 || resp.StatusCode > 599 {
		return nil
	}
	respBytes, err := readResponseBody(resp)
	if err != nil || len(respBytes) == 0 {
		return nil
	}

	respStatus := &status.Status{}
	if err := proto.Unmarshal(respBytes, respStatus); err != nil {
		return nil
	}
	return respStatus
}
