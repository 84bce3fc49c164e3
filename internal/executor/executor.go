package executor

import (
	"context"

	"crm-worker/internal/models"
)

// Executor performs one attempt of the external call/action for a queue item.
// The provider's protocol is opaque to the queue; it returns a reference to
// the produced artifact (call record, transcript id, ...) or an error.
type Executor interface {
	Execute(ctx context.Context, item models.QueueItem) (resultRef string, err error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, item models.QueueItem) (string, error)

func (f Func) Execute(ctx context.Context, item models.QueueItem) (string, error) {
	return f(ctx, item)
}
