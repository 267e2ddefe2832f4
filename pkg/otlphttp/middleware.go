// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package otlphttp

import (
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// MiddlewareOption modifies an outgoing export request.
type MiddlewareOption = func(req *http.Request) error

// WithRequestHeaders sets every header on each export request, replacing
// values already present.
func WithRequestHeaders(headers map[string]string) MiddlewareOption {
	return func(req *http.Request) error {
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		return nil
	}
}

// middlewareTransport applies the middleware to a copy of each request, so
// the caller's request is never modified. A failing middleware is logged and
// skipped; the request is still sent.
type middlewareTransport struct {
	base       http.RoundTripper
	middleware []MiddlewareOption
	logger     hclog.Logger
}

func (t *middlewareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	for _, mw := range t.middleware {
		if err := mw(out); err != nil {
			t.logger.Debug("skipping request middleware", "error", err)
		}
	}
	return t.base.RoundTrip(out)
}
