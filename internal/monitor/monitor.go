// Package monitor samples the current process on a ticker so eval reports
// can attach CPU and memory cost to a run. It never sits in a hot path.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const defaultInterval = 500 * time.Millisecond

// Sample is one observation of the current process.
type Sample struct {
	CPUPercent  float64 `json:"cpu_percent"`
	RSSBytes    uint64  `json:"rss_bytes"`
	Threads     int32   `json:"threads"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// Stats summarizes a sampling window for the eval report.
type Stats struct {
	Samples       int     `json:"samples"`
	CPUPercentAvg float64 `json:"cpu_percent_avg"`
	CPUPercentMax float64 `json:"cpu_percent_max"`
	RSSBytesAvg   uint64  `json:"rss_bytes_avg"`
	RSSBytesMax   uint64  `json:"rss_bytes_max"`
	ThreadsMax    int32   `json:"threads_max"`
	DurationMs    int64   `json:"duration_ms"`
}

// Options configure the sampler.
type Options struct {
	// Interval between samples; <= 0 means 500ms.
	Interval time.Duration
	Logger   *slog.Logger
}

// Sampler watches the current process in the background until Stop.
type Sampler struct {
	log      *slog.Logger
	interval time.Duration
	proc     *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	startedMs int64
	samples   []Sample
}

// Start opens the current process and begins sampling.
func Start(opts Options) (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("monitor: open current process: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sampler{
		log:       logger,
		interval:  interval,
		proc:      proc,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedMs: time.Now().UnixMilli(),
	}
	go s.loop()
	return s, nil
}

// Stop ends sampling and waits for the loop to exit. Safe to call more than
// once.
func (s *Sampler) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Summary reports max and average over the collected samples. Valid during
// and after sampling.
func (s *Sampler) Summary() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return summarize(s.startedMs, s.samples)
}

func (s *Sampler) loop() {
	defer close(s.done)

	// Prime the per-process CPU counter so the first ticked reading diffs a
	// full interval instead of the whole process lifetime.
	_, _ = s.proc.CPUPercentWithContext(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Sampler) collect() {
	sample := Sample{TimestampMs: time.Now().UnixMilli()}

	if cpuPct, err := s.proc.CPUPercentWithContext(s.ctx); err == nil {
		sample.CPUPercent = cpuPct
	} else {
		s.log.Warn("monitor: cpu percent failed", "error", err)
	}
	if memInfo, err := s.proc.MemoryInfoWithContext(s.ctx); err == nil && memInfo != nil {
		sample.RSSBytes = memInfo.RSS
	} else if err != nil {
		s.log.Warn("monitor: memory info failed", "error", err)
	}
	if threads, err := s.proc.NumThreadsWithContext(s.ctx); err == nil {
		sample.Threads = threads
	}

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
}

func summarize(startedMs int64, samples []Sample) Stats {
	stats := Stats{Samples: len(samples)}
	if len(samples) == 0 {
		return stats
	}

	var cpuSum float64
	var rssSum uint64
	for _, sample := range samples {
		cpuSum += sample.CPUPercent
		if sample.CPUPercent > stats.CPUPercentMax {
			stats.CPUPercentMax = sample.CPUPercent
		}
		rssSum += sample.RSSBytes
		if sample.RSSBytes > stats.RSSBytesMax {
			stats.RSSBytesMax = sample.RSSBytes
		}
		if sample.Threads > stats.ThreadsMax {
			stats.ThreadsMax = sample.Threads
		}
	}
	stats.CPUPercentAvg = cpuSum / float64(len(samples))
	stats.RSSBytesAvg = rssSum / uint64(len(samples))
	stats.DurationMs = samples[len(samples)-1].TimestampMs - startedMs
	return stats
}
