// Package identity yields the stable anonymous visitor identifier.
package identity

import (
	"log/slog"

	"github.com/google/uuid"

	"wewb/internal/store"
)

// Provider reads or creates the visitor identifier. The id is generated once
// per browser-profile-equivalent state directory and never mutated; when
// durable storage is unavailable the provider fails open with a per-run
// ephemeral id.
type Provider struct {
	store  *store.Store
	logger *slog.Logger
	cached string
}

// New creates a Provider backed by st. A nil store is valid and produces
// ephemeral identities.
func New(st *store.Store, logger *slog.Logger) *Provider {
	return &Provider{store: st, logger: logger}
}

// GetOrCreate returns the visitor identifier, generating and persisting a new
// one on first use. It never fails: storage errors degrade to an ephemeral
// identity for the rest of the run.
func (p *Provider) GetOrCreate() string {
	if p.cached != "" {
		return p.cached
	}

	if p.store == nil {
		p.cached = uuid.NewString()
		p.logger.Debug("No durable store, using ephemeral visitor id")
		return p.cached
	}

	uid, err := p.store.GetOrCreateUID(uuid.NewString)
	if err != nil {
		p.cached = uuid.NewString()
		p.logger.Warn("Failed to load persisted visitor id, using ephemeral id", slog.Any("error", err))
		return p.cached
	}

	p.cached = uid
	return p.cached
}
