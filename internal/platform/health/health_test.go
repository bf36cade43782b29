package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	tr := NewTracker("finnhub")

	tr.Record(errors.New("timeout"), 2*time.Second)
	tr.Record(errors.New("timeout"), 2*time.Second)

	h := tr.Snapshot("closed")
	assert.Equal(t, "finnhub", h.Provider)
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.Equal(t, "timeout", h.LastError)
	assert.False(t, h.LastFailure.IsZero())
	assert.True(t, h.Healthy(3))
	assert.False(t, h.Healthy(2))

	tr.Record(nil, 150*time.Millisecond)
	h = tr.Snapshot("closed")
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
	assert.Equal(t, 150*time.Millisecond, h.LastDuration)
	assert.True(t, h.Healthy(1))

	assert.False(t, tr.Snapshot("open").Healthy(0))
}
