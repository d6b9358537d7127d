package providers

import (
	"context"
	"fmt"
)

var _ AuthProvider = &StaticTokenAuthProvider{}

// StaticTokenAuthProvider verifies tokens against a fixed map of token
// to participant identity. It is meant for development and tests.
type StaticTokenAuthProvider struct {
	tokens map[string]string
}

func NewStaticTokenAuthProvider(tokens map[string]string) *StaticTokenAuthProvider {
	return &StaticTokenAuthProvider{
		tokens: tokens,
	}
}

func (p *StaticTokenAuthProvider) VerifyToken(ctx context.Context, idToken string) (*TokenClaims, error) {
	uid, ok := p.tokens[idToken]
	if !ok {
		return nil, fmt.Errorf("unknown token")
	}
	return &TokenClaims{UID: uid}, nil
}
