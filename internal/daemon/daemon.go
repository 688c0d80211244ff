package daemon

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

const (
	DefaultLineBuffer      = 1024
	DefaultFileIdleTimeout = 5 * time.Minute
	reportInterval         = 30 * time.Second
)

var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

type Config struct {
	LogRootPath  string
	ScanInterval time.Duration
	Workers      int
	NodeName     string
	// LineBuffer is how many read lines may wait for a worker.
	LineBuffer int
	// A file with no new lines for this long stops being tailed until the
	// next scan finds it again.
	FileIdleTimeout time.Duration
	// ReadFromHead ships files found by the first scan from their start
	// rather than only their new lines. Files appearing later are always
	// read from the start.
	ReadFromHead bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.LineBuffer <= 0 {
		c.LineBuffer = DefaultLineBuffer
	}
	if c.FileIdleTimeout <= 0 {
		c.FileIdleTimeout = DefaultFileIdleTimeout
	}
	return c
}

type Option func(*LogDaemonService)

func WithLogger(logger *zap.Logger) Option {
	return func(s *LogDaemonService) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *LogDaemonService) { s.metrics = m }
}

type line struct {
	file string
	text string
}

// LogDaemonService tails every *.log file under the root path and turns
// each line into a record for out.
type LogDaemonService struct {
	config Config
	out    logging.Submitter
	logger *zap.Logger

	lines     chan line
	ctx       context.Context
	cancel    context.CancelFunc
	tailersWg sync.WaitGroup
	workersWg sync.WaitGroup
	loopsWg   sync.WaitGroup
	stopOnce  sync.Once

	metrics *Metrics
	stats   counters

	mu        sync.Mutex
	tailing   map[string]struct{}
	offsets   map[string]int64
	firstScan bool
}

func NewLogDaemonService(ctx context.Context, config Config, out logging.Submitter, opts ...Option) *LogDaemonService {
	config = config.withDefaults()
	nCtx, cancel := context.WithCancel(ctx)

	s := &LogDaemonService{
		config:    config,
		out:       out,
		logger:    zap.NewNop(),
		lines:     make(chan line, config.LineBuffer),
		ctx:       nCtx,
		cancel:    cancel,
		tailing:   make(map[string]struct{}),
		offsets:   make(map[string]int64),
		firstScan: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Start scans once right away, then every ScanInterval.
func (s *LogDaemonService) Start() {
	s.logger.Info("starting log daemon",
		zap.String("root", s.config.LogRootPath),
		zap.Int("workers", s.config.Workers),
		zap.Duration("scan_interval", s.config.ScanInterval),
	)

	for i := 0; i < s.config.Workers; i++ {
		s.workersWg.Add(1)
		go s.worker(i)
	}

	s.scanFiles()

	s.loopsWg.Add(2)
	go s.scanner()
	go s.reporter()
}

// Stop ends tailing, lets the workers hand over every line already read,
// and returns once they are done.
func (s *LogDaemonService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping log daemon")
		s.cancel()

		s.loopsWg.Wait()
		s.tailersWg.Wait()
		close(s.lines)
		s.workersWg.Wait()

		st := s.Stats()
		s.logger.Info("log daemon stopped",
			zap.Int64("lines_read", st.LinesRead),
			zap.Int64("records_submitted", st.RecordsSubmitted),
		)
	})
}

func (s *LogDaemonService) worker(id int) {
	defer s.workersWg.Done()

	for l := range s.lines {
		s.handleLine(id, l)
	}
}

func (s *LogDaemonService) handleLine(id int, l line) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()

	raw, err := s.buildRecord(l)
	if err != nil {
		s.logger.Warn("could not encode line", zap.String("file", l.file), zap.Error(err))
		return
	}
	s.out.Submit(raw)
	s.stats.RecordsSubmitted.Add(1)
	s.metrics.records.Inc()
}

// buildRecord wraps a plain line as the message of a new object. A line that
// already is a JSON object with a message field is kept, and only gains the
// labels it does not carry itself.
func (s *LogDaemonService) buildRecord(l line) (string, error) {
	labels := s.extractLabels(l.file)

	fields := make(map[string]any, len(labels)+1)
	text := bytes.TrimSpace([]byte(l.text))
	if len(text) > 0 && text[0] == '{' && jsoniter.Valid(text) &&
		jsoniter.Get(text, "message").ValueType() != jsoniter.InvalidValue {
		if err := json.Unmarshal(text, &fields); err != nil {
			return "", err
		}
	} else {
		fields["message"] = l.text
	}

	for k, v := range labels {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.MarshalToString(fields)
}

func (s *LogDaemonService) tailFile(filePath string, location *tail.SeekInfo) {
	defer s.tailersWg.Done()
	defer s.metrics.tailing.Dec()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: location,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Error("failed to tail file", zap.String("file", filePath), zap.Error(err))
		s.stats.FilesFailed.Add(1)
		s.metrics.filesFailed.Inc()
		s.forget(filePath, -1)
		return
	}
	defer t.Cleanup()
	defer func() {
		offset, err := t.Tell()
		if err != nil {
			offset = -1
		}
		_ = t.Stop()
		s.forget(filePath, offset)
	}()

	idle := time.NewTimer(s.config.FileIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case tl, ok := <-t.Lines:
			if !ok {
				return
			}
			if tl == nil {
				continue
			}
			if tl.Err != nil {
				s.logger.Warn("error reading file", zap.String("file", filePath), zap.Error(tl.Err))
				continue
			}
			s.stats.LinesRead.Add(1)
			s.metrics.lines.Inc()

			select {
			case s.lines <- line{file: filePath, text: tl.Text}:
			case <-s.ctx.Done():
				return
			}
			idle.Reset(s.config.FileIdleTimeout)

		case <-idle.C:
			s.logger.Debug("file idle, no longer tailing", zap.String("file", filePath))
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// forget marks filePath as no longer tailed and remembers where reading
// stopped, so a later scan resumes there. A negative offset is not kept.
func (s *LogDaemonService) forget(filePath string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tailing, filePath)
	if offset >= 0 {
		s.offsets[filePath] = offset
	}
}

// location picks where a new tailer starts. Must hold s.mu.
func (s *LogDaemonService) location(filePath string, fromStart bool) *tail.SeekInfo {
	if offset, ok := s.offsets[filePath]; ok {
		if info, err := os.Stat(filePath); err == nil && info.Size() >= offset {
			return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
		}
		// truncated or replaced
		delete(s.offsets, filePath)
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	if fromStart {
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
}

func (s *LogDaemonService) scanner() {
	defer s.loopsWg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

// scanFiles starts a tailer for every log file not already being tailed.
func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Error("error discovering log files", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fromStart := !s.firstScan || s.config.ReadFromHead
	s.firstScan = false

	for _, file := range files {
		if _, ok := s.tailing[file]; ok {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		s.tailing[file] = struct{}{}
		s.stats.FilesDiscovered.Add(1)
		s.metrics.filesDiscovered.Inc()
		s.metrics.tailing.Inc()

		s.tailersWg.Add(1)
		go s.tailFile(file, s.location(file, fromStart))
	}
}

func (s *LogDaemonService) reporter() {
	defer s.loopsWg.Done()

	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := s.Stats()
			s.logger.Info("log daemon stats",
				zap.Int("files_tailing", st.FilesTailing),
				zap.Int64("files_discovered", st.FilesDiscovered),
				zap.Int64("files_failed", st.FilesFailed),
				zap.Int64("lines_read", st.LinesRead),
				zap.Int64("records_submitted", st.RecordsSubmitted),
				zap.Int("lines_waiting", len(s.lines)),
			)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", zap.String("path", path), zap.Error(err))
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads pod metadata from the kubelet layout
// <root>/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"node": s.config.NodeName,
		"file": filepath.Base(filePath),
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return labels
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}
	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}
