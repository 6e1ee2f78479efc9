// Package auth provides identity-token verification for the triangle API.
//
// AUTHENTICATION FLOW OVERVIEW:
// 1. The frontend signs the user in with the identity provider (Google via
//    Firebase) and receives an ID token — a signed JWT describing who the
//    user is.
// 2. Every API call carries that token in an "Authorization: Bearer <token>"
//    header (or, for /user/google-login, in the request body).
// 3. The server verifies the token's signature, issuer, audience, and expiry
//    against the provider's published certificates.
// 4. The verified claims are handed to the identity service, which maps the
//    provider subject to a local user row.
//
// The server never issues tokens of its own — the provider's ID token is the
// session credential. Verification failure is always an authentication
// error; identity is never inferred from an unverified token.
package auth

import (
	"context"
	"strings"

	"github.com/sakif/triangle-auth/internal/apperror"
)

// Claims holds the verified, decoded attributes of an identity token.
// Subject is the only guaranteed field; the rest are present when the
// provider knows them.
type Claims struct {
	Subject    string // provider-assigned stable user ID
	Email      string
	Name       string // display name as known to the provider
	PictureURL string // avatar URL
}

// Verifier validates an opaque ID token string and returns its claims.
//
// Implementations return apperror.ErrUnauthenticated for any token that is
// malformed, expired, or fails signature/issuer/audience checks — callers
// must not distinguish *why* a token was rejected.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// DisabledVerifier rejects every token. It stands in for the real verifier
// when no Google credentials are configured, so the server can still boot
// and serve its unauthenticated routes — mirroring the deployment this
// backend replaces, which warned at startup and left federated login broken.
type DisabledVerifier struct{}

func (DisabledVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	return nil, apperror.Unauthenticated("identity verification is not configured")
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>"
// header value. A missing header or any other scheme is an authentication
// error.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", apperror.Unauthenticated("authorization header missing")
	}

	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", apperror.Unauthenticated("invalid authorization scheme")
	}

	return parts[1], nil
}
