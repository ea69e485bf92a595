package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the result of a successful credential verification.
// Admin identities are privileged to act on behalf of any tenant
// (back-office tooling, support dashboards).
type Identity struct {
	UserID   string
	TenantID string
	Admin    bool
}

// Verifier validates a bearer credential and resolves it to an identity.
// The hub treats the verifier as an opaque collaborator: timeouts are
// enforced by the caller via VerifyWithTimeout, never assumed of the
// implementation.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// VerifyWithTimeout runs v.Verify under a caller-owned deadline.
// A slow verifier must never hold a pending connection past the
// authentication window, so the wait is bounded here regardless of
// whether the implementation honors its context.
func VerifyWithTimeout(ctx context.Context, v Verifier, credential string, timeout time.Duration) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		identity *Identity
		err      error
	}

	resultCh := make(chan result, 1)
	go func() {
		identity, err := v.Verify(ctx, credential)
		resultCh <- result{identity, err}
	}()

	select {
	case r := <-resultCh:
		return r.identity, r.err
	case <-ctx.Done():
		return nil, ErrVerifierTimeout
	}
}

// tokenClaims is the claim set carried by orderhub access tokens.
// Subject holds the user ID; tenant and admin are custom claims.
type tokenClaims struct {
	TenantID string `json:"tenant_id"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed bearer tokens issued by the account
// service. It is the production Verifier implementation; tests and
// deployments with an external token service substitute their own.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates the token signature, expiry, and claim set.
// All failures map to ErrInvalidCredential: the hub only needs to know
// that the credential is unusable, not why.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	if claims.Subject == "" || (claims.TenantID == "" && !claims.Admin) {
		return nil, ErrInvalidCredential
	}

	return &Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Admin:    claims.Admin,
	}, nil
}

// Issue mints a signed token for the given identity, valid for ttl.
// Used by provisioning tooling and tests; the production token issuer
// lives in the account service and shares only the signing secret.
func (v *JWTVerifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		TenantID: identity.TenantID,
		Admin:    identity.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
