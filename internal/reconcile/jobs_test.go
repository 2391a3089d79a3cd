package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

func TestStartJobs_RunsTickImmediately(t *testing.T) {
	f := newFixture(t)
	c := f.submittedCart(t)
	f.recordPending(t, c.ID, "T1")
	task := f.enqueue(t, c.ID, "T1")
	f.fake.FindFunc = func(id string) (*gateway.TransactionResult, error) {
		return &gateway.TransactionResult{
			Result:        gateway.Result{Success: true, Status: "settled"},
			TransactionID: id,
			State:         domain.PaymentStatePaid,
		}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := StartJobs(ctx, f.poller, nil, JobsConfig{TickInterval: time.Hour}, f.logger)
	require.NoError(t, err)
	assert.Len(t, s.Jobs(), 1)

	require.Eventually(t, func() bool {
		got, ok := f.tasks.Get(task.ID)
		return ok && got.Status == TaskDone
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !s.IsRunning() }, 5*time.Second, 20*time.Millisecond)
}
