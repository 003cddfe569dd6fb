package tokens

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
)

const (
	// PurposeConfirm is the only purpose a confirmation token may carry.
	PurposeConfirm = "confirm_provisioning"
	// ConfirmTTL is how long a confirmation token stays valid.
	ConfirmTTL = 15 * time.Minute
	// DefaultIssuer is used when the issuer is not configured.
	DefaultIssuer = "tenant-provisioning"

	minSecretLength = 32
)

type confirmClaims struct {
	ProvisioningID string `json:"pid"`
	Slug           string `json:"slug"`
	Purpose        string `json:"purpose"`
	jwt.RegisteredClaims
}

// ConfirmationIssuer issues HS256 confirmation tokens bound to one
// provisioning request.
type ConfirmationIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*ConfirmationIssuer)

// WithClock replaces the wall clock for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(c *ConfirmationIssuer) { c.now = now }
}

func NewConfirmationIssuer(secret []byte, opts ...Option) (*ConfirmationIssuer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("confirmation signing key must be at least %d bytes", minSecretLength)
	}
	c := &ConfirmationIssuer{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		ttl:    ConfirmTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a token for the provisioning id and slug, expiring after
// ConfirmTTL.
func (c *ConfirmationIssuer) Issue(provisioningID uuid.UUID, slug string) (string, error) {
	if provisioningID == uuid.Nil {
		return "", fmt.Errorf("%w: provisioning id is required", interfaces.ErrValidation)
	}
	if err := interfaces.ValidateSlug(slug); err != nil {
		return "", err
	}

	now := c.now()
	claims := confirmClaims{
		ProvisioningID: provisioningID.String(),
		Slug:           slug,
		Purpose:        PurposeConfirm,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign confirmation token: %w", err)
	}
	return signed, nil
}

// Validate verifies the token and returns its claims. Every failure is
// reported as interfaces.ErrInvalidToken.
func (c *ConfirmationIssuer) Validate(token string) (*interfaces.ConfirmationClaims, error) {
	var claims confirmClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, interfaces.ErrInvalidToken
	}

	if claims.Purpose != PurposeConfirm || claims.ID == "" {
		return nil, interfaces.ErrInvalidToken
	}
	pid, err := uuid.Parse(claims.ProvisioningID)
	if err != nil || pid == uuid.Nil {
		return nil, interfaces.ErrInvalidToken
	}
	if interfaces.ValidateSlug(claims.Slug) != nil {
		return nil, interfaces.ErrInvalidToken
	}

	return &interfaces.ConfirmationClaims{
		ProvisioningID: pid,
		Slug:           claims.Slug,
		TokenID:        claims.ID,
	}, nil
}

var _ interfaces.ConfirmationTokenIssuer = (*ConfirmationIssuer)(nil)
