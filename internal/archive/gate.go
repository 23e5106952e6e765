package archive

import (
	"context"
	"crypto/subtle"

	"github.com/rs/zerolog"
)

// Remover is the part of the Store the gate needs.
type Remover interface {
	Remove(ctx context.Context, uniqueID string) error
}

// Gate guards deletion with a single shared secret. A gate with an empty
// secret refuses every request.
type Gate struct {
	secret []byte
	store  Remover
	log    zerolog.Logger
}

// NewGate creates a delete gate for store.
func NewGate(secret string, store Remover, log zerolog.Logger) *Gate {
	return &Gate{secret: []byte(secret), store: store, log: log}
}

// Enabled reports whether a secret is configured.
func (g *Gate) Enabled() bool {
	return len(g.secret) > 0
}

// Delete removes uniqueID if token matches. The token is checked before
// the entry is looked up, so a bad token never reveals whether an id
// exists.
func (g *Gate) Delete(ctx context.Context, uniqueID, token string) error {
	if !g.Enabled() || subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
		g.log.Warn().Str("unique_id", uniqueID).Msg("Delete rejected: invalid token")
		return ErrUnauthorized
	}
	return g.store.Remove(ctx, uniqueID)
}
