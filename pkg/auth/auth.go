// Package auth reads the identity carried by an access token and issues the
// per-view session ids used to tag cursors and broadcasts.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var ErrInvalidToken = errors.New("invalid access token")

// Credentials authenticate a socket and identify the local user to peers.
type Credentials struct {
	Token    string
	UserID   string
	Username string
}

// ParseToken extracts user_id and username from an access token without
// verifying its signature. The server verifies the token on the handshake.
func ParseToken(token string) (Credentials, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return credentialsFromClaims(token, parsed.Claims.(gojwt.MapClaims)), nil
}

// VerifyToken checks the HMAC signature and expiry of token against secret.
func VerifyToken(token string, secret []byte) (Credentials, error) {
	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (any, error) {
		return secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return credentialsFromClaims(token, parsed.Claims.(gojwt.MapClaims)), nil
}

// SignToken issues an HS256 token for the given user. A zero ttl means the
// token never expires.
func SignToken(secret []byte, userID, username string, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"iat":      time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

func credentialsFromClaims(token string, claims gojwt.MapClaims) Credentials {
	creds := Credentials{Token: token}

	switch v := claims["user_id"].(type) {
	case string:
		creds.UserID = v
	case float64:
		creds.UserID = strconv.FormatInt(int64(v), 10)
	}
	if username, ok := claims["username"].(string); ok {
		creds.Username = username
	}

	return creds
}

// NewSessionID returns a fresh, lexically sortable session id.
func NewSessionID() string {
	return ulid.Make().String()
}
