package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetnotify/internal/batching"
	"fleetnotify/internal/dispatch"
	logx "fleetnotify/pkg/logx"
)

func failing(err error) batching.Sink {
	return batching.SinkFunc(func(context.Context, batching.Message) error { return err })
}

func TestFanout_NoSinksIsPermanent(t *testing.T) {
	err := NewFanout(logx.Nop()).Send(context.Background(), batching.Message{})
	require.ErrorIs(t, err, ErrNoSinks)
	assert.True(t, dispatch.IsPermanent(err))
}

func TestFanout_PartialSuccess(t *testing.T) {
	var delivered int
	ok := batching.SinkFunc(func(context.Context, batching.Message) error {
		delivered++
		return nil
	})
	f := NewFanout(logx.Nop(),
		Named{Name: "telegram", Sink: failing(errors.New("boom"))},
		Named{Name: "webhook", Sink: ok},
	)
	assert.Equal(t, 2, f.Len())
	require.NoError(t, f.Send(context.Background(), batching.Message{}))
	assert.Equal(t, 1, delivered)
}

func TestFanout_Classification(t *testing.T) {
	perm := dispatch.Permanent(errors.New("bad chat"))
	transient := errors.New("connection reset")
	slow := dispatch.RateLimited(errors.New("429"), 3*time.Second)
	slower := dispatch.RateLimited(errors.New("429"), 9*time.Second)

	t.Run("all permanent", func(t *testing.T) {
		err := NewFanout(logx.Nop(), Named{"a", failing(perm)}, Named{"b", failing(perm)}).
			Send(context.Background(), batching.Message{})
		require.Error(t, err)
		assert.True(t, dispatch.IsPermanent(err))
	})

	t.Run("transient beats permanent", func(t *testing.T) {
		err := NewFanout(logx.Nop(), Named{"a", failing(perm)}, Named{"b", failing(transient)}).
			Send(context.Background(), batching.Message{})
		require.Error(t, err)
		assert.False(t, dispatch.IsPermanent(err))
		_, limited := dispatch.RetryAfter(err)
		assert.False(t, limited)
	})

	t.Run("rate limit keeps longest delay", func(t *testing.T) {
		err := NewFanout(logx.Nop(), Named{"a", failing(slow)}, Named{"b", failing(perm)}, Named{"c", failing(slower)}).
			Send(context.Background(), batching.Message{})
		require.Error(t, err)
		assert.False(t, dispatch.IsPermanent(err))
		after, limited := dispatch.RetryAfter(err)
		require.True(t, limited)
		assert.Equal(t, 9*time.Second, after)
	})

	t.Run("single failure keeps its chain", func(t *testing.T) {
		err := NewFanout(logx.Nop(), Named{"a", failing(transient)}).
			Send(context.Background(), batching.Message{})
		assert.ErrorIs(t, err, transient)
	})
}
