package daemon

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the daemon's prometheus collectors.
type Metrics struct {
	filesDiscovered prometheus.Counter
	filesFailed     prometheus.Counter
	tailing         prometheus.Gauge
	lines           prometheus.Counter
	records         prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		filesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "log_daemon",
			Name:      "files_discovered_total",
			Help:      "Log files picked up for tailing.",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "log_daemon",
			Name:      "files_failed_total",
			Help:      "Log files that could not be opened.",
		}),
		tailing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "log_daemon",
			Name:      "files_tailing",
			Help:      "Log files currently tailed.",
		}),
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "log_daemon",
			Name:      "lines_read_total",
			Help:      "Lines read from log files.",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "log_daemon",
			Name:      "records_submitted_total",
			Help:      "Records handed to the sender.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.filesDiscovered, m.filesFailed, m.tailing, m.lines, m.records)
	}
	return m
}

type counters struct {
	FilesDiscovered  atomic.Int64
	FilesFailed      atomic.Int64
	LinesRead        atomic.Int64
	RecordsSubmitted atomic.Int64
}

// Stats is a snapshot of the daemon's progress.
type Stats struct {
	FilesDiscovered  int64
	FilesFailed      int64
	FilesTailing     int
	LinesRead        int64
	RecordsSubmitted int64
}

func (s *LogDaemonService) Stats() Stats {
	s.mu.Lock()
	tailing := len(s.tailing)
	s.mu.Unlock()

	return Stats{
		FilesDiscovered:  s.stats.FilesDiscovered.Load(),
		FilesFailed:      s.stats.FilesFailed.Load(),
		FilesTailing:     tailing,
		LinesRead:        s.stats.LinesRead.Load(),
		RecordsSubmitted: s.stats.RecordsSubmitted.Load(),
	}
}
