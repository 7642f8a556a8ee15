package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrappingPreservesIdentity(t *testing.T) {
	err := Wrap(ErrRateLimited, "handler fetch-feed reported 429")
	err = Wrap(err, "execution exec_abc failed")

	assert.True(t, Is(err, ErrRateLimited))
	assert.True(t, IsRateLimited(err))
	assert.False(t, Is(err, ErrNotFound))
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("something else")))

	err := NewNotFoundError("job %s", "job_123")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "job_123")
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := New("enqueue failed")
	err = WithDetail(err, "Job ID: job_123")
	err = Wrap(err, "tick aborted")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: job_123", details[0])
}
