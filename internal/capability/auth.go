package capability

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"

	"relayd/internal/errors"
)

// TokenAuth checks the shared agent token.  Only a digest of the
// configured token is kept, and tokens are compared by digest so the
// comparison time does not depend on the token length.
type TokenAuth struct {
	digest [blake2b.Size256]byte
}

// NewTokenAuth returns a verifier for token.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{digest: blake2b.Sum256([]byte(token))}
}

// Verify returns ErrAuthFailed unless token matches.  A nil verifier
// accepts everything.
func (a *TokenAuth) Verify(token string) error {
	if a == nil {
		return nil
	}
	got := blake2b.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], a.digest[:]) != 1 {
		return errors.ErrAuthFailed
	}
	return nil
}
