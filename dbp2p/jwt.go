package dbp2p

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims the server puts into the login token
// The client cannot verify the signature, so these are informational only.
type TokenClaims struct {
	UserId   string
	Username string
	// zero when the token does not expire
	ExpiresAt time.Time
}

func ParseTokenUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsedToken.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}

	if userId, ok := claims["user_id"].(string); ok {
		tokenClaims.UserId = userId
	}
	if username, ok := claims["username"].(string); ok {
		tokenClaims.Username = username
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tokenClaims.ExpiresAt = exp.Time
	}

	return tokenClaims, nil
}
