package jwt

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/Gopher0727/campfire/config"
)

const issuer = "campfire"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrRefreshTooEarly  = errors.New("token not yet eligible for refresh")
	ErrRefreshTooLate   = errors.New("token expired beyond refresh window")
)

// Claims JWT 声明. Subject carries the user ID as well.
type Claims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret     []byte
	expireDur  time.Duration
	refreshDur time.Duration
	now        func() time.Time
}

func NewTokenManager(cfg *config.JWTConfig) *TokenManager {
	return &TokenManager{
		secret:     []byte(cfg.Secret),
		expireDur:  time.Duration(cfg.ExpireHours) * time.Hour,
		refreshDur: time.Duration(cfg.RefreshHours) * time.Hour,
		now:        time.Now,
	}
}

// ExpiresIn is the lifetime of a freshly issued token.
func (tm *TokenManager) ExpiresIn() time.Duration {
	return tm.expireDur
}

func (tm *TokenManager) GenerateToken(userID, username string) (string, error) {
	now := tm.now()

	claims := Claims{
		UserID:   userID,
		UserName: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.expireDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

func (tm *TokenManager) keyFunc(*jwt.Token) (any, error) {
	return tm.secret, nil
}

func (tm *TokenManager) parserOptions() []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(tm.now),
	}
}

// ParseToken verifies signature, issuer and validity window and returns the
// claims. A token without a user ID is invalid.
func (tm *TokenManager) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keyFunc, tm.parserOptions()...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshToken issues a new token when the current one expires within the
// refresh window, or expired less than one window ago.
func (tm *TokenManager) RefreshToken(tokenString string) (string, error) {
	opts := append(tm.parserOptions(), jwt.WithoutClaimsValidation())
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keyFunc, opts...)
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ExpiresAt == nil || claims.UserID == "" {
		return "", ErrInvalidToken
	}

	now := tm.now()
	expiry := claims.ExpiresAt.Time
	if now.After(expiry) {
		if now.Sub(expiry) > tm.refreshDur {
			return "", ErrRefreshTooLate
		}
	} else if expiry.Sub(now) > tm.refreshDur {
		return "", ErrRefreshTooEarly
	}
	return tm.GenerateToken(claims.UserID, claims.UserName)
}
