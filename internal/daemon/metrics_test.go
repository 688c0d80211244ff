package daemon

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogzioShipper/internal/testutils"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.filesDiscovered.Inc()
	m.tailing.Inc()
	m.lines.Add(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.filesDiscovered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tailing))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.lines))
}

func TestNewMetrics_WithoutRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.records.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.records))
}

func TestStats_ConcurrentAccess(t *testing.T) {
	s := NewLogDaemonService(context.TODO(), makeTestConfig(t.TempDir()), &testutils.MockSubmitter{})

	var wg sync.WaitGroup
	const numGoroutines = 10
	const numOperations = 100

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				s.stats.LinesRead.Add(1)
				s.stats.RecordsSubmitted.Add(1)
				_ = s.Stats()
			}
		}()
	}
	wg.Wait()

	st := s.Stats()
	assert.Equal(t, int64(numGoroutines*numOperations), st.LinesRead)
	assert.Equal(t, int64(numGoroutines*numOperations), st.RecordsSubmitted)
	assert.Equal(t, 0, st.FilesTailing)
}
