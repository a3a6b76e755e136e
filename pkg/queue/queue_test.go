package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkPayload struct {
	ServiceID string `json:"serviceId"`
}

func TestLocal_RunsDelayedJob(t *testing.T) {
	q := NewLocal()
	defer q.Close()

	got := make(chan string, 1)
	q.Handle(TaskHealthCheck, func(ctx context.Context, payload json.RawMessage) error {
		var p checkPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		got <- p.ServiceID
		return nil
	})

	require.NoError(t, q.Start(context.Background()))

	start := time.Now()
	require.NoError(t, q.Add(context.Background(), TaskHealthCheck, checkPayload{ServiceID: "svc-1"}, Options{Delay: 30 * time.Millisecond}))

	select {
	case id := <-got:
		assert.Equal(t, "svc-1", id)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestLocal_JobsAddedBeforeStartRunOnStart(t *testing.T) {
	q := NewLocal()
	defer q.Close()

	done := make(chan struct{})
	q.Handle(TaskSendNotification, func(ctx context.Context, payload json.RawMessage) error {
		close(done)
		return nil
	})

	require.NoError(t, q.Add(context.Background(), TaskSendNotification, map[string]string{"alertId": "a"}, Options{}))

	select {
	case <-done:
		t.Fatal("job ran before Start")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Start(context.Background()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pending job did not run")
	}
}

func TestLocal_JobsAddedBeforeStartKeepTheirDelay(t *testing.T) {
	q := NewLocal()
	defer q.Close()

	ran := make(chan time.Time, 1)
	q.Handle(TaskHealthCheck, func(ctx context.Context, payload json.RawMessage) error {
		ran <- time.Now()
		return nil
	})

	added := time.Now()
	require.NoError(t, q.Add(context.Background(), TaskHealthCheck, checkPayload{ServiceID: "svc-1"}, Options{Delay: 150 * time.Millisecond}))
	require.NoError(t, q.Start(context.Background()))

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(added), 150*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("pending job did not run")
	}
}

func TestLocal_FailedJobIsNotRetried(t *testing.T) {
	q := NewLocal()
	defer q.Close()

	calls := make(chan struct{}, 4)
	q.Handle("flaky", func(ctx context.Context, payload json.RawMessage) error {
		calls <- struct{}{}
		return errors.New("downstream unavailable")
	})
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Add(context.Background(), "flaky", nil, Options{}))

	<-calls
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, calls, 0)
}

func TestLocal_CloseCancelsPendingJobs(t *testing.T) {
	q := NewLocal()
	ran := make(chan struct{}, 1)
	q.Handle(TaskHealthCheck, func(ctx context.Context, payload json.RawMessage) error {
		ran <- struct{}{}
		return nil
	})
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Add(context.Background(), TaskHealthCheck, nil, Options{Delay: time.Hour}))

	require.NoError(t, q.Close())
	assert.Len(t, ran, 0)
	assert.ErrorIs(t, q.Add(context.Background(), TaskHealthCheck, nil, Options{}), ErrClosed)
}

func TestRegistry_UnknownTask(t *testing.T) {
	var r registry
	err := r.dispatch(context.Background(), Job{Task: "missing"})
	assert.ErrorIs(t, err, ErrNoHandler)
}
