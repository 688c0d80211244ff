package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogzioShipper/internal/testutils"
)

const defaultScanInterval = 10 * time.Millisecond

func makeTestConfig(root string) Config {
	return Config{
		LogRootPath:  root,
		ScanInterval: defaultScanInterval,
		Workers:      2,
		NodeName:     "node-1",
	}
}

func TestDaemonService_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewLogDaemonService(ctx, makeTestConfig(t.TempDir()), &testutils.MockSubmitter{})
	s.Start()

	cancel()
	select {
	case <-s.ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("service context not cancelled")
	}

	s.Stop()
	s.Stop()
}

func TestExtractLabels(t *testing.T) {
	s := NewLogDaemonService(context.TODO(), makeTestConfig("/var/log/pods"), &testutils.MockSubmitter{})

	labels := s.extractLabels("/var/log/pods/default_pod-1_uid123/container-1/0.log")
	assert.Equal(t, map[string]string{
		"node":      "node-1",
		"file":      "0.log",
		"namespace": "default",
		"pod":       "pod-1",
		"pod_uid":   "uid123",
		"container": "container-1",
	}, labels)

	labels = s.extractLabels("/tmp/a.log")
	assert.Equal(t, map[string]string{"node": "node-1", "file": "a.log"}, labels)

	labels = s.extractLabels("/var/log/pods/loose.log")
	assert.Equal(t, map[string]string{"node": "node-1", "file": "loose.log"}, labels)
}

func TestBuildRecord(t *testing.T) {
	root := "/var/log/pods"
	s := NewLogDaemonService(context.TODO(), makeTestConfig(root), &testutils.MockSubmitter{})
	file := filepath.Join(root, "default_pod-1_uid123", "app", "0.log")

	raw, err := s.buildRecord(line{file: file, text: "plain text line"})
	require.NoError(t, err)
	assert.Equal(t, "plain text line", jsoniter.Get([]byte(raw), "message").ToString())
	assert.Equal(t, "pod-1", jsoniter.Get([]byte(raw), "pod").ToString())
	assert.Equal(t, "app", jsoniter.Get([]byte(raw), "container").ToString())

	raw, err = s.buildRecord(line{file: file, text: `{"message":"structured","node":"own","id":12345678901234567}`})
	require.NoError(t, err)
	assert.Equal(t, "structured", jsoniter.Get([]byte(raw), "message").ToString())
	assert.Equal(t, "own", jsoniter.Get([]byte(raw), "node").ToString())
	assert.Contains(t, raw, `"id":12345678901234567`)
	assert.Equal(t, "default", jsoniter.Get([]byte(raw), "namespace").ToString())

	raw, err = s.buildRecord(line{file: file, text: `{"level":"info"}`})
	require.NoError(t, err)
	assert.Equal(t, `{"level":"info"}`, jsoniter.Get([]byte(raw), "message").ToString())
}

func TestDiscoverLogFiles_UsesTempStructure(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	s := NewLogDaemonService(context.TODO(), makeTestConfig(root), &testutils.MockSubmitter{})

	files, err := s.discoverLogFiles()
	assert.NoError(t, err)
	assert.Len(t, files, 6)
	for _, f := range files {
		assert.True(t, strings.HasSuffix(f, ".log"))
	}
}

func TestDaemon_ReadFromHeadShipsEveryLine(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	out := &testutils.MockSubmitter{}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	cfg := makeTestConfig(root)
	cfg.ReadFromHead = true
	s := NewLogDaemonService(context.Background(), cfg, out, WithMetrics(metrics))
	s.Start()
	defer s.Stop()

	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return len(out.Submitted()) == 9 }))
	assert.Equal(t, 2, out.Count(`"namespace":"kube-system"`))
	assert.Equal(t, 1, out.Count(`"message":"info message"`))
	assert.Equal(t, 2, out.Count(`"pod":"pod-4"`))
	assert.Equal(t, 0, out.Count("not a log"))

	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.filesDiscovered))
	assert.Equal(t, 9.0, testutil.ToFloat64(metrics.lines))
	assert.Equal(t, 6, s.Stats().FilesTailing)
}

func TestDaemon_FirstScanStartsAtEnd(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	out := &testutils.MockSubmitter{}
	s := NewLogDaemonService(context.Background(), makeTestConfig(root), out)
	s.Start()
	defer s.Stop()

	file := filepath.Join(root, "default_pod-3_uid789", "container", "app.log")
	// the tailer seeks asynchronously, keep appending until a line shows up
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool {
		appendLine(t, file, "appended")
		return out.Count("appended") > 0
	}))
	assert.Equal(t, 0, out.Count("log content"))
}

func TestDaemon_NewFilesAreReadFromStart(t *testing.T) {
	root := t.TempDir()
	out := &testutils.MockSubmitter{}
	s := NewLogDaemonService(context.Background(), makeTestConfig(root), out)
	s.Start()
	defer s.Stop()

	dir := filepath.Join(root, "default_late_uid1", "app")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0.log"), []byte("first\nsecond\n"), 0o644))

	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return len(out.Submitted()) == 2 }))
	assert.Equal(t, 1, out.Count(`"message":"first"`))
	assert.Equal(t, 2, out.Count(`"pod":"late"`))
	assert.Equal(t, 1, out.Count(`"message":"second"`))
}

func TestDaemon_IdleFileResumesWhereItStopped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "default_idle_uid1", "app")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "0.log")
	require.NoError(t, os.WriteFile(file, []byte("one\ntwo\n"), 0o644))

	out := &testutils.MockSubmitter{}
	cfg := makeTestConfig(root)
	cfg.ReadFromHead = true
	cfg.FileIdleTimeout = 50 * time.Millisecond
	s := NewLogDaemonService(context.Background(), cfg, out)
	s.Start()
	defer s.Stop()

	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return len(out.Submitted()) == 2 }))
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return s.Stats().FilesDiscovered >= 2 }),
		"the idle file is picked up again")

	appendLine(t, file, "three")
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return len(out.Submitted()) == 3 }))

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, out.Submitted(), 3)
	assert.Equal(t, 1, out.Count(`"message":"one"`))
}

func appendLine(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(text + "\n")
	require.NoError(t, err)
}
