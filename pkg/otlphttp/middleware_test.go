// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package otlphttp

import (
	"errors"
	"net/http"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestMiddlewareTransport(t *testing.T) {
	var sent *http.Request
	rt := &middlewareTransport{
		base: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			sent = req
			return &http.Response{StatusCode: http.StatusOK}, nil
		}),
		middleware: []MiddlewareOption{
			func(*http.Request) error { return errors.New("boom") },
			WithRequestHeaders(map[string]string{"X-Tenant": "a", "X-Existing": "new"}),
		},
		logger: hclog.NewNullLogger(),
	}

	req, err := http.NewRequest(http.MethodPost, "http://127.0.0.1/v1/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("X-Existing", "old")

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, "a", sent.Header.Get("X-Tenant"))
	require.Equal(t, "new", sent.Header.Get("X-Existing"))
	require.Empty(t, req.Header.Get("X-Tenant"), "the caller's request is not modified")
	require.Equal(t, "old", req.Header.Get("X-Existing"))
}
