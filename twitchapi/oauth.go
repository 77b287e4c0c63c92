package twitchapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// OAuthConfig builds the authorization-code config for the Twitch user token
// flow. Scopes may be comma- or space-separated.
func OAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	var list []string
	for _, s := range strings.FieldsFunc(scopes, func(r rune) bool { return r == ',' || r == ' ' }) {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       list,
		Endpoint:     endpoints.Twitch,
	}
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || code == "" || cfg.RedirectURL == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	return cfg.Exchange(ctx, code)
}

// RefreshUserToken exchanges a refresh token for a new access token. Twitch
// rotates refresh tokens, so callers must persist the returned one.
func RefreshUserToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return ts.Token()
}

// ComputeExpiry returns absolute expiry time, defaulting to +60m when the
// provider omitted one.
func ComputeExpiry(expiry time.Time) time.Time {
	if expiry.IsZero() {
		return time.Now().Add(60 * time.Minute)
	}
	return expiry
}

// TokenScopes flattens an exchanged token's scope list for storage. Twitch
// returns scopes in the token response body rather than the standard field.
func TokenScopes(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	case string:
		return v
	default:
		return ""
	}
}
