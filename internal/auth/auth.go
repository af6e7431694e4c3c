// Package auth gates access to the relay. The only credential is a shared
// secret; a token signed with the server's JWT secret can stand in for it once
// a client has presented the secret to the login endpoint.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrMissingUserName    = errors.New("auth: missing user name")
	ErrInvalidToken       = errors.New("auth: invalid token")
)

// Claims is the payload of a session token.
type Claims struct {
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

// CheckSecret reports whether got matches the shared secret.
func CheckSecret(expected, got string) error {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken signs a session token for user that expires after ttl.
func IssueToken(secret, user string, ttl time.Duration) (string, error) {
	if user == "" {
		return "", ErrMissingUserName
	}
	now := time.Now()
	claims := Claims{
		UserName: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a session token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserName == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Handshake is what a client presents when it opens the signaling socket.
type Handshake struct {
	UserName string
	Password string
	Token    string
}

// Verifier checks handshakes against the configured secrets.
type Verifier struct {
	SharedSecret string
	JWTSecret    string
}

// Verify returns the user name the connection is allowed to register under.
//
// A token stands in for the password. A password that is given is always
// checked, token or not, and the token's user name must match the handshake
// user name when both are given.
func (v Verifier) Verify(h Handshake) (string, error) {
	if h.Password != "" {
		if err := CheckSecret(v.SharedSecret, h.Password); err != nil {
			return "", err
		}
	}

	if h.Token != "" {
		claims, err := ParseToken(v.JWTSecret, h.Token)
		if err != nil {
			return "", err
		}
		if h.UserName != "" && h.UserName != claims.UserName {
			return "", ErrInvalidCredentials
		}
		return claims.UserName, nil
	}

	if h.UserName == "" {
		return "", ErrMissingUserName
	}
	if h.Password == "" {
		return "", ErrInvalidCredentials
	}
	return h.UserName, nil
}
