package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/logging/sender"
	"github.com/Chichichkin/LogzioShipper/internal/testutils"
)

func TestLoad_Valid(t *testing.T) {
	cfg := loadFromString(t, `
log_level: debug
metrics_addr: "127.0.0.1:9200"
daemon:
  log_path: /tmp/pods
  scan_interval: 10s
  workers: 4
  destination: builds
destinations:
  - name: builds
    host: https://listener.logz.io:8071
    token: abc
    type: jenkins
    batch_size: 1048576
    drain_interval: 5s
    max_attempts: 5
    initial_retry_delay: 1s
    trigger: timer
    on_give_up: requeue
    queue:
      kind: file
      dir: /var/lib/shipper/builds
      gc_interval: 1m
`)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9200", cfg.MetricsAddr)
	assert.Equal(t, "/tmp/pods", cfg.Daemon.LogPath)
	assert.Equal(t, 10*time.Second, cfg.Daemon.ScanInterval)
	assert.Equal(t, 4, cfg.Daemon.Workers)
	require.Len(t, cfg.Destinations, 1)

	sc := cfg.Destinations[0].SenderConfig()
	assert.Equal(t, sender.Config{
		Name:              "builds",
		Host:              "https://listener.logz.io:8071",
		Key:               "abc",
		Type:              "jenkins",
		BatchSize:         1048576,
		DrainInterval:     5 * time.Second,
		MaxAttempts:       5,
		InitialRetryDelay: time.Second,
		Trigger:           sender.TriggerTimer,
		OnGiveUp:          sender.GiveUpRequeue,
		GCInterval:        time.Minute,
	}, sc)
	assert.Equal(t, QueueFile, cfg.Destinations[0].Queue.Kind)
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, `
destinations:
  - host: https://listener.logz.io:8071
    token: abc
`)

	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
	assert.True(t, cfg.Daemon.Enabled)
	assert.Equal(t, DefaultLogPath, cfg.Daemon.LogPath)
	assert.Equal(t, DefaultScanInterval, cfg.Daemon.ScanInterval)
	assert.Equal(t, DefaultWorkers, cfg.Daemon.Workers)

	d := cfg.Destinations[0]
	assert.Equal(t, "jenkins_plugin", d.Name)
	assert.Equal(t, "jenkins_plugin", d.Type)
	assert.Equal(t, QueueMemory, d.Queue.Kind)
	assert.Equal(t, KindLogzio, d.Kind)
	assert.Equal(t, "jenkins_plugin", cfg.Daemon.Destination)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"no destinations": `
log_level: info
`,
		"bad log level": `
log_level: loud
destinations:
  - {host: "https://l", token: t}
`,
		"missing host": `
destinations:
  - {token: t}
`,
		"duplicate names": `
destinations:
  - {name: a, host: "https://l", token: t}
  - {name: a, host: "https://m", token: t}
`,
		"unknown trigger": `
destinations:
  - {host: "https://l", token: t, trigger: often}
`,
		"unknown give up policy": `
destinations:
  - {host: "https://l", token: t, on_give_up: shrug}
`,
		"file queue without dir": `
destinations:
  - {host: "https://l", token: t, queue: {kind: file}}
`,
		"unknown queue kind": `
destinations:
  - {host: "https://l", token: t, queue: {kind: redis}}
`,
		"unknown kind": `
destinations:
  - {host: "https://l", token: t, kind: splunk}
`,
		"unknown daemon destination": `
daemon: {destination: other}
destinations:
  - {name: a, host: "https://l", token: t}
`,
		"zero workers": `
daemon: {workers: 0}
destinations:
  - {host: "https://l", token: t}
`,
		"not yaml": `destinations: [`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(TokenEnv, "")
			_, err := loadStringErr(t, content)
			assert.Error(t, err)
		})
	}
}

func TestLoad_DisabledDaemonSkipsItsChecks(t *testing.T) {
	cfg := loadFromString(t, `
daemon: {enabled: false, workers: 0}
destinations:
  - {host: "https://l", token: t}
`)
	assert.False(t, cfg.Daemon.Enabled)
}

func TestLoad_MissingToken(t *testing.T) {
	t.Setenv(TokenEnv, "")
	_, err := loadStringErr(t, `
destinations:
  - {host: "https://l"}
`)
	assert.ErrorContains(t, err, "no token")

	t.Setenv(TokenEnv, "from-env")
	cfg := loadFromString(t, `
destinations:
  - {host: "https://l"}
`)
	assert.Equal(t, "from-env", cfg.Destinations[0].Key())
}

func TestDestination_Key(t *testing.T) {
	t.Setenv("BUILDS_TOKEN", "secret")
	t.Setenv(TokenEnv, "fallback")

	assert.Equal(t, "secret", Destination{TokenEnv: "BUILDS_TOKEN", Token: "literal"}.Key())
	assert.Equal(t, "literal", Destination{TokenEnv: "UNSET_TOKEN_VAR", Token: "literal"}.Key())
	assert.Equal(t, "fallback", Destination{}.Key())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "a")

	var mu sync.Mutex
	var names []string

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(cfg *Config) {
			mu.Lock()
			defer mu.Unlock()
			names = append(names, cfg.Destinations[0].Name)
		})
	}()

	reloaded := func(want string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(names) > 0 && names[len(names)-1] == want
		}
	}

	// the watcher registers asynchronously, keep writing until it notices
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool {
		writeConfig(t, path, "b")
		return reloaded("b")()
	}))

	require.NoError(t, os.WriteFile(path, []byte("destinations: ["), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, reloaded("b")(), "a broken file keeps the previous config")

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_SurvivesAtomicSaves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "a")

	w := startWatch(t, path)

	saveAtomically := func(name string) {
		tmp := filepath.Join(dir, ".config.yaml.tmp")
		writeConfig(t, tmp, name)
		require.NoError(t, os.Rename(tmp, path))
	}

	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool {
		saveAtomically("b")
		return w.last() == "b"
	}))

	saveAtomically("c")
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return w.last() == "c" }))

	// in-place writes keep working after the inode was replaced
	writeConfig(t, path, "d")
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool { return w.last() == "d" }))
}

func TestWatch_FollowsSymlinkSwap(t *testing.T) {
	dir := t.TempDir()
	for _, version := range []string{"v1", "v2"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, version), 0o755))
	}
	writeConfig(t, filepath.Join(dir, "v1", "config.yaml"), "a")
	writeConfig(t, filepath.Join(dir, "v2", "config.yaml"), "b")

	// the layout kubelet uses for a mounted ConfigMap
	require.NoError(t, os.Symlink("v1", filepath.Join(dir, "..data")))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.Symlink(filepath.Join("..data", "config.yaml"), path))

	swap := func(version string) {
		tmp := filepath.Join(dir, "..data_tmp")
		require.NoError(t, os.Symlink(version, tmp))
		require.NoError(t, os.Rename(tmp, filepath.Join(dir, "..data")))
	}

	w := startWatch(t, path)

	// the watcher registers asynchronously, keep swapping until it notices
	require.True(t, testutils.WaitFor(t, 5*time.Second, func() bool {
		swap("v1")
		swap("v2")
		time.Sleep(20 * time.Millisecond)
		return w.last() == "b"
	}))
}

type watched struct {
	mu    sync.Mutex
	names []string
}

func (w *watched) last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.names) == 0 {
		return ""
	}
	return w.names[len(w.names)-1]
}

func startWatch(t *testing.T, path string) *watched {
	t.Helper()
	w := &watched{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(cfg *Config) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.names = append(w.names, cfg.Destinations[0].Name)
		})
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return w
}

func writeConfig(t *testing.T, path, name string) {
	t.Helper()
	content := "destinations:\n  - {name: " + name + ", host: \"https://l\", token: t}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	require.NoError(t, err)
	return cfg
}

func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return Load(path)
}
