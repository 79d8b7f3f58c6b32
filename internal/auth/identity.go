package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the external identity provider asserts about a signed-in
// person. It is never trusted for authorization on its own; the access gate
// decides membership from the whitelist.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
	PhotoURL    string
}

var ErrInvalidIdentity = errors.New("invalid identity assertion")

type identityClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// IdentityVerifier checks HS256 ID tokens minted by the identity provider.
type IdentityVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewIdentityVerifier(secret, issuer, audience string) *IdentityVerifier {
	return &IdentityVerifier{secret: []byte(secret), issuer: issuer, audience: audience}
}

func (v *IdentityVerifier) Verify(idToken string) (Identity, error) {
	if strings.TrimSpace(idToken) == "" {
		return Identity{}, ErrInvalidIdentity
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	var claims identityClaims
	if _, err := jwt.ParseWithClaims(idToken, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if claims.Subject == "" || strings.TrimSpace(claims.Email) == "" {
		return Identity{}, fmt.Errorf("%w: subject and email are required", ErrInvalidIdentity)
	}
	return Identity{
		ID:          claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		PhotoURL:    claims.Picture,
	}, nil
}

// SignIdentity mints an ID token the verifier accepts. Local development and
// tests use it in place of the real provider.
func (v *IdentityVerifier) SignIdentity(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	registered := jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   identity.ID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	if v.audience != "" {
		registered.Audience = jwt.ClaimStrings{v.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, identityClaims{
		Email:            identity.Email,
		Name:             identity.DisplayName,
		Picture:          identity.PhotoURL,
		RegisteredClaims: registered,
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign identity: %w", err)
	}
	return signed, nil
}
