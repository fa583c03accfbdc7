package integration

import (
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a shared secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:   []byte("integration-test-secret-0123456789abcdef"),
		issuer:   "https://auth.test.stepwise.dev",
		audience: "stepwise-test",
	}
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now, now.Add(time.Hour))
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(claims, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

// GenerateForeignToken creates a token signed with a different secret.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	other := &tokenIssuer{secret: []byte("some-other-secret"), issuer: ti.issuer, audience: ti.audience}
	return other.GenerateToken(claims)
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt, expiresAt time.Time) string {
	mapClaims := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(expiresAt),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
	}
	if len(claims.Roles) > 0 {
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, claims.Extra)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(ti.secret)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string { return ti.audience }

// Secret returns the signing secret.
func (ti *tokenIssuer) Secret() []byte { return ti.secret }
