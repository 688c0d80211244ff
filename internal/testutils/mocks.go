package testutils

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

// MockTransport records every batch it is given and answers with Outcomes
// in order, repeating the last one. With no Outcomes it always answers OK.
type MockTransport struct {
	Outcomes []logging.Outcome
	Delay    time.Duration
	// Block, when set, holds every Send until it is closed.
	Block chan struct{}
	// Started receives a value each time Send begins, if set.
	Started chan struct{}

	mu       sync.Mutex
	batches  []logging.Batch
	calls    int
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *MockTransport) Send(ctx context.Context, batch logging.Batch) logging.Outcome {
	current := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if current <= seen || m.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}

	if m.Started != nil {
		m.Started <- struct{}{}
	}
	if m.Block != nil {
		<-m.Block
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches = append(m.batches, batch)
	outcome := logging.Outcome{Kind: logging.OutcomeOK, StatusCode: 200}
	if len(m.Outcomes) > 0 {
		idx := m.calls
		if idx >= len(m.Outcomes) {
			idx = len(m.Outcomes) - 1
		}
		outcome = m.Outcomes[idx]
	}
	m.calls++
	return outcome
}

func (m *MockTransport) Batches() []logging.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MaxConcurrent is the highest number of overlapping Send calls observed.
func (m *MockTransport) MaxConcurrent() int {
	return int(m.maxSeen.Load())
}

// Records flattens every batch received into one ordered list.
func (m *MockTransport) Records() []logging.Record {
	var out []logging.Record
	for _, b := range m.Batches() {
		out = append(out, b.Records()...)
	}
	return out
}

// MockSubmitter collects raw records handed to it.
type MockSubmitter struct {
	mu      sync.Mutex
	Records []string
	Delay   time.Duration
}

func (m *MockSubmitter) Submit(raw string) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, raw)
}

func (m *MockSubmitter) Submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Records))
	copy(out, m.Records)
	return out
}

// Count returns how many submitted records contain substr.
func (m *MockSubmitter) Count(substr string) int {
	n := 0
	for _, r := range m.Submitted() {
		if strings.Contains(r, substr) {
			n++
		}
	}
	return n
}

// WaitFor polls cond until it holds or the timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
