package syncqueue

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
)

// Remote applies one mutation to the backend. Apply must be an idempotent
// upsert keyed by (user, entity) so a replayed mutation is harmless. Errors
// wrapping ErrRemoteRejected mean the backend refused the write; any other
// error is treated as the backend being unreachable.
type Remote interface {
	Apply(ctx context.Context, mut Mutation) error
}
