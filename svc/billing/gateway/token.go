package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// tokenEarlyRefresh is how long before expiry a cached token is considered
// stale and refreshed, so requests never go out with a token about to die
// mid-flight.
const tokenEarlyRefresh = 5 * time.Minute

// newTokenSource builds a caching OAuth2 client-credentials token source.
// Tokens are fetched lazily, reused until tokenEarlyRefresh before expiry and
// then refreshed transparently. Concurrent callers share one refresh.
func newTokenSource(ctx context.Context, cfg Config) (oauth2.TokenSource, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, billing.ErrCredentialsMissing
	}
	if cfg.TokenURL == "" {
		return nil, errors.Join(billing.ErrCredentialsMissing, errors.New("token url is not configured"))
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), tokenEarlyRefresh), nil
}

// authTransport injects the bearer token into outgoing requests. It maps
// token acquisition failures to the domain error contract instead of letting
// oauth2 internals leak to callers.
type authTransport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
				return nil, errors.Join(billing.ErrProviderUnavailable, err)
			}
			return nil, errors.Join(billing.ErrAuthFailure, err)
		}
		return nil, errors.Join(billing.ErrProviderUnavailable, err)
	}

	// Clone before mutating; RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	token.SetAuthHeader(out)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(out)
}
