package provider

import (
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/linkshitup/link-broker/pkg/errx"
)

// AssertionSigner builds RS256 client assertions for providers whose token
// endpoint authenticates with a JWT grant instead of a client secret.
type AssertionSigner struct {
	key    *rsa.PrivateKey
	issuer string
}

// NewAssertionSigner parses an RSA private key in PEM form.
func NewAssertionSigner(privateKeyPEM []byte, issuer string) (*AssertionSigner, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, errx.Wrap(err, "failed to parse assertion private key", errx.TypeInternal)
	}
	return &AssertionSigner{key: key, issuer: issuer}, nil
}

// Sign mints an assertion for the given subject and audience, valid for ttl.
func (s *AssertionSigner) Sign(subject, audience string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": subject,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", errx.Wrap(err, "failed to sign client assertion", errx.TypeInternal)
	}
	return signed, nil
}
