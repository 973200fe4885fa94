package service

import (
	"context"

	"live-kitchen/internal/domain"
)

// Emitter delivers one frame to one live connection. Implementations must not
// block on a slow consumer.
type Emitter interface {
	Emit(ctx context.Context, connectionID string, env domain.Envelope) error
}
