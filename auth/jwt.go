package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"nullifier/types"
)

// KeyClaims JWT 载荷：key_id 指定允许使用的 OPRF 密钥
type KeyClaims struct {
	jwt.RegisteredClaims
	KeyID string `json:"key_id"`
}

// JWTAuthenticator HS256 JWT 鉴权
type JWTAuthenticator struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
}

// NewJWTAuthenticator creates a new JWTAuthenticator
func NewJWTAuthenticator(secretKey, issuer string, tokenDuration time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
	}
}

// Generate creates a token authorizing keyID
func (m *JWTAuthenticator) Generate(subject string, keyID types.KeyID) (string, error) {
	now := time.Now()
	claims := KeyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   subject,
		},
		KeyID: keyID.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Validate validates the token and returns the claims
func (m *JWTAuthenticator) Validate(tokenString string) (*KeyClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &KeyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}
	claims, ok := token.Claims.(*KeyClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Authenticate payload 为 JWT 字符串
func (m *JWTAuthenticator) Authenticate(_ context.Context, req *Request) (types.KeyID, error) {
	claims, err := m.Validate(string(req.Payload))
	if err != nil {
		return types.KeyID{}, errors.Wrap(types.ErrUnauthorized, err.Error())
	}
	keyID, err := types.ParseKeyID(claims.KeyID)
	if err != nil {
		return types.KeyID{}, errors.Wrap(types.ErrUnauthorized, err.Error())
	}
	return keyID, nil
}
