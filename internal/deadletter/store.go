package deadletter

import (
	"context"

	"github.com/sandboxops/lease-notify/internal/domain"
)

// Store persists escalated items for manual replay tooling. Implementations
// must be append-only from the dispatcher's point of view.
type Store interface {
	Write(ctx context.Context, item domain.EscalatedItem) error
}
