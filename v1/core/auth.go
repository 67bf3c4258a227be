package core

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

// UserClaims is the payload of a user JWT issued by the core.
type UserClaims struct {
	UserID    string `json:"user_id"`
	Privilege string `json:"privilege,omitempty"`
	jwt.RegisteredClaims
}

// UserIDFromJWT extracts the user id from a core-issued JWT. The signature is
// verified by the core, not by clients.
func UserIDFromJWT(token string) (string, error) {
	var claims UserClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("decode jwt: %w", colinkerrors.ErrUnauthorized)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("decode jwt: missing user_id: %w", colinkerrors.ErrUnauthorized)
	}
	return claims.UserID, nil
}

// IssueUserJWT signs a user token with secret. It is used by local and test
// deployments where the Redis core has no issuer of its own.
func IssueUserJWT(userID string, secret []byte, ttl time.Duration) (string, error) {
	claims := UserClaims{UserID: userID, Privilege: "user"}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
