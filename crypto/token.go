package crypto

import "github.com/google/uuid"

// NewAuthToken mints an opaque token for the viewer auth cookie. Tokens are
// remembered on the session that issued them and die with it.
func NewAuthToken() string {
	return uuid.NewString()
}
