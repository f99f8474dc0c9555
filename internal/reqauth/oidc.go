// Package reqauth implements the ambient inbound service-authentication
// layer (SPEC_FULL §4.7 step 0): before the orchestrator resolves
// credentials for a request — in particular before it is allowed to honor
// a personal-fallback domain's inbound bearer token — the calling service's
// own bearer JWT is verified against a configured OIDC issuer. Grounded on
// the teacher's internal/auth/oidc.go provider/verifier construction,
// narrowed from a browser login flow to a machine-to-machine bearer check.
package reqauth

import (
	"context"
	"net/http"
	"strings"

	oidc "github.com/coreos/go-oidc/v3/oidc"

	"convoy/internal/config"
	"convoy/internal/proxyerr"
)

// Identity is the verified caller extracted from an inbound bearer JWT.
type Identity struct {
	Subject string
	Issuer  string
}

type identityContextKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext extracts the verified Identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// Authenticator verifies inbound bearer JWTs against a configured OIDC
// issuer. A disabled Authenticator (Enabled == false) is a no-op pass
// through — every deployment not naming an issuer runs without inbound
// service auth, per spec §4.7's gate being optional ambient security.
type Authenticator struct {
	Enabled  bool
	verifier *oidc.IDTokenVerifier
}

// New constructs an Authenticator. When cfg.Enabled is false it returns a
// no-op Authenticator without making network calls.
func New(ctx context.Context, cfg config.OIDCConfig) (*Authenticator, error) {
	if !cfg.Enabled {
		return &Authenticator{Enabled: false}, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.Audience})
	return &Authenticator{Enabled: true, verifier: verifier}, nil
}

// Authenticate extracts and verifies the "Authorization: Bearer <jwt>"
// header. When the Authenticator is disabled it always succeeds with a
// zero-value Identity.
func (a *Authenticator) Authenticate(ctx context.Context, header http.Header) (Identity, error) {
	if !a.Enabled {
		return Identity{}, nil
	}

	raw := header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) || len(raw) <= len(prefix) {
		return Identity{}, &proxyerr.AuthenticationError{Message: "missing bearer token"}
	}
	token := strings.TrimSpace(raw[len(prefix):])

	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, &proxyerr.AuthenticationError{Message: "bearer token verification failed", Err: err}
	}
	return Identity{Subject: idToken.Subject, Issuer: idToken.Issuer}, nil
}

// Middleware wraps an http.Handler, verifying the inbound bearer and
// attaching the resulting Identity to the request context. Requests that
// fail verification receive 401 and never reach next. A disabled
// Authenticator always calls next.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r.Context(), r.Header)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="convoy"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if a.Enabled {
			r = r.WithContext(WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
