package credentials

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, cred OAuthCredential) (OAuthCredential, error)
}

// OAuth2Refresher refreshes tokens against a standard OAuth2 token endpoint
// using the refresh_token grant.
type OAuth2Refresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewOAuth2Refresher constructs a Refresher for the given token endpoint.
func NewOAuth2Refresher(tokenURL, clientID, clientSecret string, httpClient *http.Client) *OAuth2Refresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuth2Refresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

// Refresh implements Refresher.
func (r *OAuth2Refresher) Refresh(ctx context.Context, cred OAuthCredential) (OAuthCredential, error) {
	conf := &oauth2.Config{
		ClientID:     r.clientID,
		ClientSecret: r.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: r.tokenURL,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return OAuthCredential{}, fmt.Errorf("refresh oauth token: %w", err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	return OAuthCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
	}, nil
}
