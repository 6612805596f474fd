package credential

import "errors"

var (
	ErrNoCredential  = errors.New("no credential available")
	ErrNoRefresher   = errors.New("credential refresh not configured")
	ErrRefreshFailed = errors.New("credential refresh failed")
	ErrMalformedJWT  = errors.New("malformed jwt")
)
