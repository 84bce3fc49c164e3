package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-worker/internal/assign"
	"crm-worker/internal/executor"
	"crm-worker/internal/models"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProcessor(fs *fakeStore, exec executor.Executor, clock *manualClock, opts ...Option) *Processor {
	opts = append([]Option{
		WithClock(clock.Now),
		WithBackoff(Exponential{Base: 2 * time.Minute}),
	}, opts...)
	return NewProcessor(fs, exec, opts...)
}

func TestEnqueueSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	p := newTestProcessor(fs, executor.NewSimulated(), clock)

	first, suppressed, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)
	require.False(t, suppressed)

	second, suppressed, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)
	require.True(t, suppressed)
	assert.Equal(t, first.ID, second.ID, "same non-terminal target must return the same item")

	// A different tenant with the same target is independent.
	_, suppressed, err = p.Enqueue(ctx, EnqueueParams{TenantID: "globex", TargetKey: "+15550001111"})
	require.NoError(t, err)
	assert.False(t, suppressed)

	// Once the first item reaches a terminal state, the target is free again.
	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	third, suppressed, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestProcessOneSuccess(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	p := newTestProcessor(fs, executor.NewSimulated(), clock)

	item, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)

	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := p.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ResultRef)
	assert.NotEmpty(t, *got.ResultRef)
	assert.Nil(t, got.ErrorMessage)
}

func TestBackoffScheduleIsExponential(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	failing := executor.Func(func(context.Context, models.QueueItem) (string, error) {
		return "", errors.New("provider unreachable")
	})
	p := newTestProcessor(fs, failing, clock)

	item, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111", MaxAttempts: 4})
	require.NoError(t, err)

	var prev time.Duration
	expected := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, want := range expected {
		ok, err := p.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d should claim the item", i+1)

		got, err := p.Get(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, got.Status)
		require.NotNil(t, got.NextRetryAt)
		require.NotNil(t, got.LastAttemptAt)

		delay := got.NextRetryAt.Sub(*got.LastAttemptAt)
		assert.Equal(t, want, delay, "attempt %d delay", i+1)
		assert.Greater(t, delay, prev, "delays must strictly increase")
		prev = delay

		// Not due again until the retry deadline passes.
		ok, err = p.ProcessOne(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		clock.Advance(want + time.Second)
	}
}

func TestItemFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	failing := executor.Func(func(context.Context, models.QueueItem) (string, error) {
		return "", errors.New("line busy")
	})
	p := newTestProcessor(fs, failing, clock)

	item, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111", MaxAttempts: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := p.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(time.Hour)
	}

	got, err := p.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "line busy", *got.ErrorMessage)

	// Exhausted items are not claimed again.
	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduledItemsNotDueEarly(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	p := newTestProcessor(fs, executor.NewSimulated(), clock)

	later := fs.base.Add(time.Hour)
	_, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111", ScheduledFor: &later})
	require.NoError(t, err)

	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "item must not be claimed before scheduled_for")

	clock.Advance(61 * time.Minute)
	ok, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPriorityThenAgeOrder(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}

	var order []string
	recording := executor.Func(func(_ context.Context, item models.QueueItem) (string, error) {
		order = append(order, item.TargetKey)
		return "ref", nil
	})
	p := newTestProcessor(fs, recording, clock)

	_, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "old-low", Priority: 0})
	require.NoError(t, err)
	_, _, err = p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "new-low", Priority: 0})
	require.NoError(t, err)
	_, _, err = p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "high", Priority: 5})
	require.NoError(t, err)

	n, err := p.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"high", "old-low", "new-low"}, order)
}

func TestCancelAndRetryTransitions(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	failing := executor.Func(func(context.Context, models.QueueItem) (string, error) {
		return "", errors.New("no answer")
	})
	p := newTestProcessor(fs, failing, clock)

	item, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111", MaxAttempts: 1})
	require.NoError(t, err)

	// Pending items can be cancelled.
	require.NoError(t, p.Cancel(ctx, item.ID))
	got, err := p.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Terminal cancel is not retryable.
	assert.ErrorIs(t, p.Retry(ctx, item.ID), models.ErrInvalidTransition)

	item2, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550002222", MaxAttempts: 1})
	require.NoError(t, err)
	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = p.Get(ctx, item2.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)

	// failed -> pending with a fresh budget.
	require.NoError(t, p.Retry(ctx, item2.ID))
	got, err = p.Get(ctx, item2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.NextRetryAt)
}

func TestProcessingItemCannotBeCancelled(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	p := newTestProcessor(fs, executor.NewSimulated(), clock)

	item, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)

	claimed, ok, err := fs.ClaimNextDue(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item.ID, claimed.ID)

	assert.ErrorIs(t, p.Cancel(ctx, item.ID), models.ErrInvalidTransition)
}

func TestPersistenceErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	p := newTestProcessor(fs, executor.NewSimulated(), clock)

	_, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)

	boom := errors.New("connection refused")
	fs.claimErr = boom
	_, err = p.Drain(ctx, 0)
	assert.ErrorIs(t, err, boom, "store failures must reach the scheduler tick")
}

type stubAssigner struct {
	assignee string
	recorded []string
}

func (s *stubAssigner) Next(_ context.Context, _, _ string) assign.Result {
	return assign.Result{AssigneeID: s.assignee, Reason: models.ReasonRoundRobin}
}

func (s *stubAssigner) Record(_ context.Context, _, subjectID string, _ assign.Result) {
	s.recorded = append(s.recorded, subjectID)
}

func TestAssigneeResolvedBeforeExecution(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}

	var seenAssignee any
	capture := executor.Func(func(_ context.Context, item models.QueueItem) (string, error) {
		seenAssignee = item.Payload["assignee_id"]
		return "ref", nil
	})
	stub := &stubAssigner{assignee: "agent-7"}
	p := newTestProcessor(fs, capture, clock, WithAssigner(stub))

	item, _, err := p.Enqueue(ctx, EnqueueParams{
		TenantID:  "acme",
		TargetKey: "+15550001111",
		Payload:   map[string]any{"created_by": "user-1"},
	})
	require.NoError(t, err)

	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "agent-7", seenAssignee)
	assert.Equal(t, []string{item.ID}, stub.recorded)

	// The stamped assignee is persisted with the item.
	got, err := p.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", got.Payload["assignee_id"])
}

func TestPurgeTerminal(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	clock := &manualClock{now: fs.base}
	p := newTestProcessor(fs, executor.NewSimulated(), clock)

	item, _, err := p.Enqueue(ctx, EnqueueParams{TenantID: "acme", TargetKey: "+15550001111"})
	require.NoError(t, err)
	ok, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Inside the horizon: kept.
	clock.Advance(24 * time.Hour)
	n, err := p.PurgeTerminal(ctx, 48*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the horizon: purged.
	clock.Advance(3 * 24 * time.Hour)
	n, err = p.PurgeTerminal(ctx, 48*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = p.Get(ctx, item.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
