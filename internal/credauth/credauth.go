// Package credauth provides an example client.authentication verifier:
// a bearer JWT checked against a fixed HMAC secret. It mirrors the
// teacher's GitHub App JWT minting (RS256, iat/exp/iss claims) in the
// opposite direction — verifying a token instead of signing one.
package credauth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mark46/signal/internal/conn"
)

// ErrMissingToken is returned when the authentication payload carries no
// access_token field.
var ErrMissingToken = errors.New("credauth: missing access_token")

// JWTVerifier validates a peer's access_token claim as an HS256 JWT
// signed with secret. Use its [JWTVerifier.Authenticate] method as a
// [pkg/mark46server.AuthFunc].
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Authenticate extracts access_token from credentials (expected to be the
// map produced by decoding the peer's auth JSON payload) and validates it
// as a signed, unexpired JWT.
func (v *JWTVerifier) Authenticate(_ *conn.Peer, credentials any) bool {
	token, err := accessToken(credentials)
	if err != nil {
		return false
	}

	_, err = jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	return err == nil
}

func accessToken(credentials any) (string, error) {
	m, ok := credentials.(map[string]any)
	if !ok {
		return "", ErrMissingToken
	}
	token, ok := m["access_token"].(string)
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
