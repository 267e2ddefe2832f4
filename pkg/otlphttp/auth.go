// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package otlphttp

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsConfig requests export tokens with the OAuth2 client
// credentials grant.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Audience is sent as the "audience" parameter when set.
	Audience string
	Scopes   []string
	// TLSConfig is used for the token endpoint. TLS can not be disabled for
	// an https token URL, only customized.
	TLSConfig *tls.Config
}

// TokenSource returns a caching token source that fetches a new token from
// the token endpoint when the current one expires.
func (c *ClientCredentialsConfig) TokenSource() (oauth2.TokenSource, error) {
	switch {
	case c.TokenURL == "":
		return nil, errors.New("token url not specified")
	case c.ClientID == "" || c.ClientSecret == "":
		return nil, errors.New("client id and secret must both be specified")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return nil, err
	}

	tokenTransport := cleanhttp.DefaultPooledTransport()
	if c.TLSConfig != nil {
		tokenTransport.TLSClientConfig = c.TLSConfig
	}
	ctx := context.WithValue(
		context.Background(),
		oauth2.HTTPClient,
		&http.Client{Transport: tokenTransport},
	)

	cc := clientcredentials.Config{
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
	}
	if c.Audience != "" {
		cc.EndpointParams = url.Values{"audience": {c.Audience}}
	}
	return cc.TokenSource(ctx), nil
}
