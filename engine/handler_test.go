package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerlabs/cadence/schedule"
)

func noopHandler(jobType string) Handler {
	return HandlerFunc{
		JobType: jobType,
		Fn: func(ctx context.Context, job *schedule.Job, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
			return nil, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Has("feed.refresh"))
	assert.Nil(t, r.Get("feed.refresh"))

	r.Register(noopHandler("feed.refresh"))
	r.Register(noopHandler("report.generate"))

	assert.True(t, r.Has("feed.refresh"))
	require.NotNil(t, r.Get("feed.refresh"))
	assert.Equal(t, "feed.refresh", r.Get("feed.refresh").Type())
	assert.ElementsMatch(t, []string{"feed.refresh", "report.generate"}, r.Types())
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register(noopHandler("feed.refresh"))

	assert.Panics(t, func() {
		r.Register(noopHandler("feed.refresh"))
	})
}
