package providerproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

// JWTAuthenticator validates bearer tokens issued by the account service
// (token issuance itself is external, see the Authenticator doc). It additionally
// enforces token binding: a cnf.jkt claim, when present, must match the
// caller-supplied key thumbprint, so a stolen bearer token alone can't
// be replayed from a different device.
type JWTAuthenticator struct {
	// KeyFunc resolves the signing key for a token, following the
	// golang-jwt v5 keyfunc convention (receives the parsed, unverified
	// token so it can branch on kid/alg).
	KeyFunc jwt.Keyfunc

	// RequireTokenBinding, when true, rejects tokens that carry no cnf.jkt
	// claim at all. Left false for bearer-only deployments.
	RequireTokenBinding bool
}

// NewJWTAuthenticator constructs an Authenticator backed by a single
// static HMAC secret, the common case for a single-instance deployment.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{
		KeyFunc: func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("providerproxy: unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
	}
}

// tokenClaims is the claim set the orchestrator's auth service issues.
// cnf carries RFC 7800 proof-of-possession confirmation data.
type tokenClaims struct {
	jwt.RegisteredClaims
	Confirmation *confirmationClaim `json:"cnf,omitempty"`
}

type confirmationClaim struct {
	JWKThumbprint string `json:"jkt,omitempty"`
}

// Authenticate parses and validates token, returning the subject claim
// as the user id. ctx carries an optional bound key thumbprint (set by
// the HTTP layer from a client certificate or DPoP proof) under
// boundKeyContextKey; when the token carries a cnf.jkt claim, it must
// match that claim, and RequireTokenBinding rejects tokens without one.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", &pkgerrors.AuthError{Reason: "missing bearer token"}
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, a.KeyFunc,
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(5*time.Second))
	if err != nil {
		return "", &pkgerrors.AuthError{Reason: fmt.Sprintf("invalid token: %v", err)}
	}
	if !parsed.Valid {
		return "", &pkgerrors.AuthError{Reason: "token failed validation"}
	}

	hasBinding := claims.Confirmation != nil && claims.Confirmation.JWKThumbprint != ""
	if a.RequireTokenBinding && !hasBinding {
		return "", &pkgerrors.AuthError{Reason: "token carries no proof-of-possession confirmation"}
	}
	if hasBinding {
		bound, _ := ctx.Value(boundKeyContextKey{}).(string)
		if bound == "" || bound != claims.Confirmation.JWKThumbprint {
			return "", &pkgerrors.AuthError{Reason: "token binding mismatch"}
		}
	}

	if claims.Subject == "" {
		return "", &pkgerrors.AuthError{Reason: "token carries no subject"}
	}
	return claims.Subject, nil
}

type boundKeyContextKey struct{}

// WithBoundKey attaches the caller's proven key thumbprint to ctx, for
// tokens that carry a cnf.jkt claim.
func WithBoundKey(ctx context.Context, thumbprint string) context.Context {
	return context.WithValue(ctx, boundKeyContextKey{}, thumbprint)
}
