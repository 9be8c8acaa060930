package job

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/tests/testutil"
)

func newTestQueue(t *testing.T) (*Queue, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	q := NewQueue(testutil.NewTestStore(t), logger)
	q.jitter = func(n int64) int64 { return n - 1 }
	return q, hook
}

func TestLoadNextPrefersCorrelatedMessage(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, model.ActionSendMsgToSMTP, 11, nil, 0)
	require.NoError(t, err)
	_, err = q.Add(ctx, model.ActionSendMsgToSMTP, 12, nil, 0)
	require.NoError(t, err)

	j, err := q.LoadNext(ctx, model.ThreadSMTP, interrupt.Info{})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, uint32(11), j.ForeignID)

	j, err = q.LoadNext(ctx, model.ThreadSMTP, interrupt.Info{MsgID: 12})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, uint32(12), j.ForeignID)

	j, err = q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{})
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestProbeNetworkIgnoresBackoff(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, model.ActionDeleteMsgOnIMAP, 5, nil, time.Hour)
	require.NoError(t, err)

	j, err := q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{})
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{ProbeNetwork: true})
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestPerformOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		wantCalls int
		wantQueue bool
		wantTries int
	}{
		{name: "finished deletes", status: Finished, wantCalls: 1, wantQueue: false},
		{name: "retry later reschedules", status: RetryLater, wantCalls: 1, wantQueue: true, wantTries: 1},
		{name: "retry now tries twice", status: RetryNow, wantCalls: 2, wantQueue: true, wantTries: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t)
			ctx := context.Background()

			calls := 0
			q.Register(model.ActionMarkseenMsgOnIMAP, func(context.Context, Connection, *model.Job) Status {
				calls++
				return tt.status
			})

			_, err := q.Add(ctx, model.ActionMarkseenMsgOnIMAP, 1, nil, 0)
			require.NoError(t, err)
			j, err := q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{})
			require.NoError(t, err)
			require.NotNil(t, j)

			q.Perform(ctx, Connection{}, j)
			assert.Equal(t, tt.wantCalls, calls)

			j, err = q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{ProbeNetwork: true})
			require.NoError(t, err)
			if !tt.wantQueue {
				assert.Nil(t, j)
				return
			}
			require.NotNil(t, j)
			assert.Equal(t, tt.wantTries, j.Tries)
			assert.True(t, j.DesiredAt.After(time.Now()))
		})
	}
}

func TestPerformGivesUpAfterMaxTries(t *testing.T) {
	q, hook := newTestQueue(t)
	ctx := context.Background()

	q.Register(model.ActionSendMsgToSMTP, func(context.Context, Connection, *model.Job) Status {
		return RetryLater
	})
	_, err := q.Add(ctx, model.ActionSendMsgToSMTP, 1, nil, 0)
	require.NoError(t, err)

	for i := 0; i < MaxTries; i++ {
		j, err := q.LoadNext(ctx, model.ThreadSMTP, interrupt.Info{ProbeNetwork: true})
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", i)
		q.Perform(ctx, Connection{}, j)
	}

	j, err := q.LoadNext(ctx, model.ThreadSMTP, interrupt.Info{ProbeNetwork: true})
	require.NoError(t, err)
	assert.Nil(t, j)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "giving up after too many tries", hook.LastEntry().Message)
}

func TestPerformDropsUnknownAction(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, model.ActionDeleteMsgOnIMAP, 1, nil, 0)
	require.NoError(t, err)
	j, err := q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{})
	require.NoError(t, err)

	q.Perform(ctx, Connection{}, j)

	j, err = q.LoadNext(ctx, model.ThreadIMAP, interrupt.Info{ProbeNetwork: true})
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestBackoffGrows(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Equal(t, 60*time.Second, q.backoff(1))
	assert.Equal(t, 120*time.Second, q.backoff(2))
	assert.Equal(t, 240*time.Second, q.backoff(3))

	q.jitter = func(int64) int64 { return 0 }
	assert.Equal(t, time.Second, q.backoff(4))
}
