package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

const providerAnonymous = "anonymous"

// AnonymousProvider signs the node in without credentials. The UID is
// the configured device id, or a random one fixed for the provider's
// lifetime.
type AnonymousProvider struct {
	once sync.Once
	uid  string
}

func NewAnonymousProvider(deviceID string) *AnonymousProvider {
	return &AnonymousProvider{uid: deviceID}
}

func (p *AnonymousProvider) ResolveIdentity(ctx context.Context) (domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Identity{}, err
	}
	p.once.Do(func() {
		if p.uid == "" {
			p.uid = uuid.NewString()
		}
	})
	return domain.Identity{UID: p.uid, Anonymous: true, Provider: providerAnonymous}, nil
}
