package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

// TenantSlugClaim is the bearer-token claim naming the caller's tenant.
const TenantSlugClaim = "tenant_slug"

type accessClaims struct {
	TenantSlug string `json:"tenant_slug"`
	jwt.RegisteredClaims
}

// AccessVerifier verifies access tokens issued by the identity service with
// a shared HS256 secret.
type AccessVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewAccessVerifier(secret []byte) (*AccessVerifier, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("access token secret must be at least %d bytes", minSecretLength)
	}
	return &AccessVerifier{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// TenantSlug returns the tenant_slug claim of a valid, unexpired token.
func (v *AccessVerifier) TenantSlug(token string) (string, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", interfaces.ErrInvalidToken
	}
	if interfaces.ValidateSlug(claims.TenantSlug) != nil {
		return "", interfaces.ErrInvalidToken
	}
	return claims.TenantSlug, nil
}

// IssueAccessToken signs an access token for a tenant user. The identity
// service owns real issuance; this serves tenantctl and tests.
func IssueAccessToken(secret []byte, slug, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		TenantSlug: slug,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

var _ interfaces.TenantClaimVerifier = (*AccessVerifier)(nil)
