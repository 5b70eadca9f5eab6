package bus

import (
	"context"

	"github.com/yungbote/graphpilot-backend/internal/realtime"
)

// Bus fans events out to every instance, including the publisher.
type Bus interface {
	Publish(ctx context.Context, ev realtime.Event) error
	// StartForwarder delivers events to onEvent until ctx is done.
	StartForwarder(ctx context.Context, onEvent func(ev realtime.Event)) error
	Close() error
}
