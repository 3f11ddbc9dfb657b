/*
This file builds the authenticated HTTP client the Service speaks
through.

Tokens come from the tenant's client-credential grant: the automation
account is registered as a confidential client and exchanges its
secret for a bearer token scoped to the directory endpoint.  Token
refresh on expiry is handled by the oauth2 client; the endpoint may
still invalidate a token early, in which case the next call fails
with 401 and the run aborts as a setup error on re-invocation.
*/

package graphdir

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// Credentials identify the automation account against one tenant.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the token endpoint derived from TenantID.
	// Tests point this at a local server.
	TokenURL string
}

func (c Credentials) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// NewClient returns an HTTP client that attaches and refreshes
// bearer tokens for the endpoint at baseURL.
func NewClient(ctx context.Context, baseURL string, creds Credentials) *http.Client {
	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.tokenURL(),
		Scopes:       []string{baseURL + "/.default"},
	}
	return cfg.Client(ctx)
}
