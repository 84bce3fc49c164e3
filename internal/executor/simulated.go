package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm-worker/internal/models"
)

// Simulated is a payload-driven executor for local development and tests.
// Payload keys: "should_fail" forces a failure, "duration_ms" simulates call
// latency.
type Simulated struct{}

func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) Execute(ctx context.Context, item models.QueueItem) (string, error) {
	if val, ok := item.Payload["should_fail"].(bool); ok && val {
		return "", errors.New("simulated failure requested by payload.should_fail")
	}
	if ms, ok := asInt(item.Payload["duration_ms"]); ok && ms > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}
	return fmt.Sprintf("sim-call-%s", uuid.New().String()), nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
