package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The backend verifies signatures; the client only reads claims to schedule
// refreshes and name the user.
var claimsParser = jwt.NewParser(jwt.WithPaddingAllowed())

func parseClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, _, err := claimsParser.ParseUnverified(token, claims)
	// An unknown alg still leaves the claims decoded.
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedJWT, err)
	}
	return claims, nil
}

// ExpiryFromJWT returns the exp claim of an unverified JWT, or the zero time
// when the token is opaque or carries no expiry.
func ExpiryFromJWT(token string) time.Time {
	claims, err := parseClaims(token)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// SubjectFromJWT returns the sub claim of an unverified JWT.
func SubjectFromJWT(token string) string {
	claims, err := parseClaims(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}
