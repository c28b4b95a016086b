package port

import (
	"context"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

type IdentityProvider interface {
	// ResolveIdentity establishes a session. Errors wrapping
	// domain.ErrTransport are retried by the caller.
	ResolveIdentity(ctx context.Context) (domain.Identity, error)
}
