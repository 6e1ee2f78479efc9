package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2/google"

	"github.com/sakif/triangle-auth/internal/apperror"
)

// googleCertsURL publishes the x509 certificates Google signs Firebase ID
// tokens with, as a JSON object of key ID → PEM certificate. Keys rotate;
// the response's Cache-Control max-age says how long they may be cached.
const googleCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// defaultCertTTL is used when the cert endpoint sends no usable max-age.
const defaultCertTTL = time.Hour

// GoogleVerifier verifies Google (Firebase) ID tokens.
//
// WHAT A FIREBASE ID TOKEN IS:
// An RS256-signed JWT issued by securetoken.google.com for a specific
// project. Verifying one means checking, in order:
//   - the signature, against the Google cert whose key ID matches the
//     token's "kid" header
//   - the issuer: "https://securetoken.google.com/<project-id>"
//   - the audience: "<project-id>"
//   - the expiry
//
// The subject claim ("sub") is the provider's stable user ID.
//
// CONSTRUCTION IS EXPLICIT:
// The verifier is built once at startup from service-account credentials and
// handed to whoever needs it. There is deliberately no lazily-initialized
// package global — hidden init-on-first-use makes credential problems
// surface on some unlucky request instead of at boot.
type GoogleVerifier struct {
	projectID string
	certsURL  string
	client    *http.Client

	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	keysExpiry time.Time
}

var _ Verifier = (*GoogleVerifier)(nil)

// NewGoogleVerifier builds a verifier from a service-account credentials
// JSON blob. Only the project ID is actually needed for verification — the
// rest of the credential is validated as a side effect, so a truncated or
// corrupted secret fails here rather than silently.
func NewGoogleVerifier(ctx context.Context, credentialsJSON string) (*GoogleVerifier, error) {
	creds, err := google.CredentialsFromJSON(ctx, []byte(credentialsJSON),
		"https://www.googleapis.com/auth/identitytoolkit")
	if err != nil {
		return nil, fmt.Errorf("auth: parsing Google credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return nil, errors.New("auth: Google credentials carry no project_id")
	}

	return NewGoogleVerifierForProject(creds.ProjectID), nil
}

// NewGoogleVerifierForProject builds a verifier for a known project ID,
// fetching certificates from Google's public endpoint. Used directly when
// only GOOGLE_PROJECT_ID is configured (no private key material needed to
// *verify* tokens), and by NewGoogleVerifier.
func NewGoogleVerifierForProject(projectID string) *GoogleVerifier {
	return &GoogleVerifier{
		projectID: projectID,
		certsURL:  googleCertsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		keys:      map[string]*rsa.PublicKey{},
	}
}

// newGoogleVerifierForTest points the verifier at a fake cert endpoint.
func newGoogleVerifierForTest(projectID, certsURL string) *GoogleVerifier {
	v := NewGoogleVerifierForProject(projectID)
	v.certsURL = certsURL
	return v
}

// ProjectID returns the project this verifier accepts tokens for.
func (v *GoogleVerifier) ProjectID() string { return v.projectID }

// googleClaims is the ID-token payload. RegisteredClaims covers iss/aud/
// sub/exp; the profile attributes ride in provider-specific claims.
type googleClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Verify parses and validates an ID token, returning its claims.
//
// Every rejection — bad signature, unknown key, wrong project, expired —
// comes back as apperror.ErrUnauthenticated with the same message. Leaking
// which check failed tells an attacker nothing useful and a real client
// nothing actionable.
func (v *GoogleVerifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&googleClaims{},
		v.keyFor(ctx),
		// Pinning RS256 blocks algorithm-confusion tricks ("alg":"none" or
		// HMAC-signing with a public cert as the shared secret).
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: verifying ID token: %w",
			apperror.Unauthenticated("invalid or expired token"))
	}

	c, ok := token.Claims.(*googleClaims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, fmt.Errorf("auth: ID token has no subject: %w",
			apperror.Unauthenticated("invalid or expired token"))
	}

	return &Claims{
		Subject:    c.Subject,
		Email:      c.Email,
		Name:       c.Name,
		PictureURL: c.Picture,
	}, nil
}

// keyFor returns a jwt.Keyfunc that resolves the token's "kid" header
// against the (cached) Google certificates.
func (v *GoogleVerifier) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.publicKey(ctx, kid)
	}
}

// publicKey returns the RSA public key for the given key ID, refreshing the
// cert cache when it is stale or the kid is unknown (Google rotated keys).
func (v *GoogleVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Now().Before(v.keysExpiry)
	v.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no certificate for key ID %q", kid)
	}
	return key, nil
}

var maxAgeRe = regexp.MustCompile(`max-age=(\d+)`)

// refreshKeys fetches and caches the current certificate set.
func (v *GoogleVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return fmt.Errorf("building cert request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching Google certs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Google cert endpoint returned status %d", resp.StatusCode)
	}

	var pemCerts map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&pemCerts); err != nil {
		return fmt.Errorf("decoding Google certs: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(pemCerts))
	for kid, certPEM := range pemCerts {
		block, _ := pem.Decode([]byte(certPEM))
		if block == nil {
			return fmt.Errorf("certificate %q is not PEM", kid)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parsing certificate %q: %w", kid, err)
		}
		rsaKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate %q is not RSA", kid)
		}
		keys[kid] = rsaKey
	}

	ttl := defaultCertTTL
	if m := maxAgeRe.FindStringSubmatch(resp.Header.Get("Cache-Control")); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}

	v.mu.Lock()
	v.keys = keys
	v.keysExpiry = time.Now().Add(ttl)
	v.mu.Unlock()

	return nil
}
