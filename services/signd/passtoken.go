package signd

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultPasswordTokenTTL bounds how long the certificate password may travel
// between the upload response and the sign request.
const DefaultPasswordTokenTTL = 300 * time.Second

type passwordClaims struct {
	Password string `json:"pwd,omitempty"`
	jwt.RegisteredClaims
}

// PasswordCarrier issues and redeems the short-lived signed token that
// bridges the certificate password from upload to sign. The password is never
// persisted server-side; the token is the only copy in existence.
type PasswordCarrier struct {
	secret []byte
	ttl    time.Duration
}

func NewPasswordCarrier(secret []byte, ttl time.Duration) (*PasswordCarrier, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("password token secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultPasswordTokenTTL
	}
	return &PasswordCarrier{secret: secret, ttl: ttl}, nil
}

// Issue signs the password into a token valid for the carrier TTL. An empty
// password is legal; some certificates have none, and the sign step still
// requires a redeemable token.
func (c *PasswordCarrier) Issue(password string) (string, error) {
	now := time.Now()
	claims := passwordClaims{
		Password: password,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign password token: %w", err)
	}
	return signed, nil
}

// Redeem verifies signature and expiry and returns the embedded password.
// Any verification failure is ErrInvalidToken; callers must abort the sign.
func (c *PasswordCarrier) Redeem(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	var claims passwordClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	return claims.Password, nil
}
