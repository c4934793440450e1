package exchange

import (
	"crypto/rand"
)

// TokenLength is the length of tokens generated for outgoing requests.
// Eight random bytes make tokens unguessable by off-path attackers
// (RFC 7252 Section 5.3.1).
const TokenLength = 8

// newToken returns a random token for which inUse reports false.
func newToken(inUse func(token []byte) bool) ([]byte, error) {
	for {
		token := make([]byte, TokenLength)
		if _, err := rand.Read(token); err != nil {
			return nil, err
		}
		if !inUse(token) {
			return token, nil
		}
	}
}
