package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openfroyo/convergence/pkg/engine"
)

// DefaultTokenURL is the token endpoint template. {tenant} is replaced with
// the tenant ID of the credentials.
const DefaultTokenURL = "https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token"

// Authenticator exchanges client credentials for a bearer token with the
// OAuth2 client-credentials grant. It implements engine.Authenticator.
//
// Each call performs its own token exchange and returns a session with its
// own HTTP client, so concurrent legs never share a token.
type Authenticator struct {
	// TokenURL is the token endpoint; {tenant} is substituted. Empty means DefaultTokenURL.
	TokenURL string

	// Scopes requested for the token.
	Scopes []string

	// HTTPClient, if set, is used for token requests and as the base transport
	// of the session client.
	HTTPClient *http.Client
}

// credentialsValidator is shared by every Authenticator; a Validate is safe
// for concurrent use.
var credentialsValidator = validator.New()

// NewAuthenticator creates an authenticator for tokenURL.
func NewAuthenticator(tokenURL string, scopes []string) *Authenticator {
	return &Authenticator{TokenURL: tokenURL, Scopes: scopes}
}

// Authenticate fetches a token for creds and returns a session bound to it.
func (a *Authenticator) Authenticate(ctx context.Context, creds engine.Credentials) (*engine.Session, error) {
	if err := credentialsValidator.Struct(creds); err != nil {
		return nil, engine.NewAuthenticationError("incomplete credentials", err)
	}

	tokenURL := a.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ApplicationID,
		ClientSecret: creds.Secret,
		TokenURL:     strings.ReplaceAll(tokenURL, "{tenant}", creds.TenantID),
		Scopes:       a.Scopes,
	}

	// The session outlives the call, so the token source must not inherit
	// the caller's cancellation.
	base := context.WithoutCancel(ctx)
	if a.HTTPClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, a.HTTPClient)
	}

	source := cfg.TokenSource(base)
	token, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, a.httpClient()))
	if err != nil {
		return nil, classifyTokenError(creds.TenantID, err)
	}

	return &engine.Session{
		Client:    oauth2.NewClient(base, oauth2.ReuseTokenSource(token, source)),
		TenantID:  creds.TenantID,
		ExpiresAt: token.Expiry,
	}, nil
}

func (a *Authenticator) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

// classifyTokenError maps token endpoint failures. Rejected credentials are
// authentication errors; a token endpoint that is down is transient.
func classifyTokenError(tenant string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 500 {
		return engine.NewTransientError(fmt.Sprintf("token endpoint unavailable for tenant %s", tenant), err)
	}
	return engine.NewAuthenticationError(fmt.Sprintf("token request for tenant %s failed", tenant), err).
		WithSubject(tenant)
}

var _ engine.Authenticator = (*Authenticator)(nil)
