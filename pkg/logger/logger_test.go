package logger

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGet_ConcurrentFirstUse(t *testing.T) {
	const n = 16
	got := make([]*zap.Logger, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = Get()
			Debug("first use", Int("goroutine", i))
		}()
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, l := range got[1:] {
		assert.Same(t, got[0], l)
	}
}

func TestFields(t *testing.T) {
	assert.Equal(t, "service_id", ServiceID("svc-1").Key)
	assert.Equal(t, "svc-1", ServiceID("svc-1").String)
	assert.Equal(t, "alert_id", AlertID("a-1").Key)
	assert.Equal(t, "error", Err(errors.New("boom")).Key)
}
